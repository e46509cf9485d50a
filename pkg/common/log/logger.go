// Package log provides the levelled logger shared by ctree components.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level orders log entries by severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelFatal entries terminate the process unless output is discarded
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name to a Level. Unknown names give LevelInfo.
func ParseLevel(s string) Level {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		return LevelWarn
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i)
		}
	}
	return LevelInfo
}

// Logger is what components log through. Messages are printf formats.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})

	// WithFields and WithField derive a logger that prefixes every entry
	// with the given key=value pairs
	WithFields(fields map[string]interface{}) Logger
	WithField(key string, value interface{}) Logger

	GetLevel() Level
	SetLevel(level Level)
}

// sink is the destination shared by a logger and everything derived from it
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// StandardLogger writes one line per entry:
//
//	[2006-01-02 15:04:05.000] [LEVEL] k=v k=v message
type StandardLogger struct {
	sink   *sink
	fields map[string]interface{}
	prefix string
}

// LoggerOption configures a StandardLogger
type LoggerOption func(*StandardLogger)

// NewStandardLogger returns an INFO logger writing to stderr unless
// options say otherwise
func NewStandardLogger(options ...LoggerOption) *StandardLogger {
	l := &StandardLogger{
		sink:   &sink{out: os.Stderr, level: LevelInfo},
		fields: map[string]interface{}{},
	}
	for _, option := range options {
		option(l)
	}
	l.prefix = renderFields(l.fields)
	return l
}

// NewDiscardLogger returns a logger that drops every entry
func NewDiscardLogger() *StandardLogger {
	return NewStandardLogger(WithOutput(io.Discard), WithLevel(LevelFatal))
}

// WithLevel sets the minimum level written
func WithLevel(level Level) LoggerOption {
	return func(l *StandardLogger) { l.sink.level = level }
}

// WithOutput sets where entries are written
func WithOutput(out io.Writer) LoggerOption {
	return func(l *StandardLogger) { l.sink.out = out }
}

// WithInitialFields attaches fields to every entry of the new logger
func WithInitialFields(fields map[string]interface{}) LoggerOption {
	return func(l *StandardLogger) {
		for k, v := range fields {
			l.fields[k] = v
		}
	}
}

// renderFields returns " k=v k=v" with keys sorted
func renderFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}

func (l *StandardLogger) write(level Level, msg string, args []interface{}) {
	s := l.sink
	s.mu.Lock()
	if level < s.level {
		s.mu.Unlock()
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	fmt.Fprintf(s.out, "[%s] [%s]%s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, l.prefix, msg)
	discard := s.out == io.Discard
	s.mu.Unlock()

	if level == LevelFatal && !discard {
		os.Exit(1)
	}
}

func (l *StandardLogger) Debug(msg string, args ...interface{}) { l.write(LevelDebug, msg, args) }
func (l *StandardLogger) Info(msg string, args ...interface{})  { l.write(LevelInfo, msg, args) }
func (l *StandardLogger) Warn(msg string, args ...interface{})  { l.write(LevelWarn, msg, args) }
func (l *StandardLogger) Error(msg string, args ...interface{}) { l.write(LevelError, msg, args) }

// Fatal logs and then exits with status 1
func (l *StandardLogger) Fatal(msg string, args ...interface{}) { l.write(LevelFatal, msg, args) }

// WithFields derives a logger sharing this one's output and level
func (l *StandardLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{sink: l.sink, fields: merged, prefix: renderFields(merged)}
}

func (l *StandardLogger) WithField(key string, value interface{}) Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *StandardLogger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// SetLevel changes the level of this logger and of every logger derived
// from the same root
func (l *StandardLogger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = NewStandardLogger()
)

// SetDefault replaces the logger used by components opened without one
func SetDefault(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// Default returns the process-wide fallback logger
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Component tags logger with component=name. A nil logger means Default().
func Component(logger Logger, name string) Logger {
	if logger == nil {
		logger = Default()
	}
	return logger.WithField("component", name)
}
