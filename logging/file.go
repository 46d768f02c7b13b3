package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger is the minimal sink the monitors and publishers write to.
type Logger interface {
	Log(format string, args ...interface{})
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(format string, args ...interface{})

// Log calls f.
func (f LoggerFunc) Log(format string, args ...interface{}) { f(format, args...) }

// Discard drops every message.
var Discard Logger = LoggerFunc(func(string, ...interface{}) {})

// FileLogger appends timestamped lines to a file and is safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes one timestamped line. Calls after Close are dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
}

// Close closes the file. It is safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Prefixed returns a Logger that tags every line with [prefix].
func Prefixed(l Logger, prefix string) Logger {
	if l == nil {
		return Discard
	}
	return LoggerFunc(func(format string, args ...interface{}) {
		l.Log("[%s] %s", prefix, fmt.Sprintf(format, args...))
	})
}

// Multi fans a message out to every non-nil logger.
func Multi(loggers ...Logger) Logger {
	return LoggerFunc(func(format string, args ...interface{}) {
		for _, l := range loggers {
			if l != nil {
				l.Log(format, args...)
			}
		}
	})
}
