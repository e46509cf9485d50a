package storage

import (
	"errors"
	"math/rand"
	"os"
	"syscall"
	"time"
)

// RetryConfig bounds how often and how patiently an open is retried
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // 0 means uncapped
}

// DefaultRetryConfig is ten retries starting at 100ms, capped at one second
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// delay is the sleep before retry n (1-based): InitialBackoff doubled n-1
// times, capped, plus up to 10% jitter
func (c RetryConfig) delay(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			d = c.MaxBackoff
			break
		}
	}
	if jitter := int64(d / 10); jitter > 0 {
		d += time.Duration(rand.Int63n(jitter))
	}
	return d
}

// RetryWithConfig calls operation until it succeeds, returns an error
// isRetryable rejects, or has been retried MaxRetries times. onRetry may
// be nil.
func RetryWithConfig(operation func() error, config RetryConfig, isRetryable func(error) bool,
	onRetry func(attempt int, err error, backoff time.Duration)) error {
	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil || !isRetryable(err) || attempt > config.MaxRetries {
			return err
		}

		d := config.delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, d)
		}
		time.Sleep(d)
	}
}

// isTransientOpenError reports whether a failed open may succeed later,
// such as while a handle from a just-closed session is being released
func isTransientOpenError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EBUSY, syscall.EAGAIN, syscall.ETXTBSY, syscall.EINTR} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
