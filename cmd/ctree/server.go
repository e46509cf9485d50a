package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// MetricsServer exposes the Prometheus scrape endpoint of the shell
type MetricsServer struct {
	addr       string
	handler    http.Handler
	listener   net.Listener
	httpServer *http.Server
}

// NewMetricsServer creates a server that will serve handler at /metrics
func NewMetricsServer(addr string, handler http.Handler) *MetricsServer {
	return &MetricsServer{
		addr:    addr,
		handler: handler,
	}
}

// Start opens the listener
func (s *MetricsServer) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.handler)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Addr returns the address the server listens on
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve blocks serving requests until Shutdown
func (s *MetricsServer) Serve() error {
	if s.httpServer == nil {
		return fmt.Errorf("server not started")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
