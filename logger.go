package steprun

import (
	"fmt"
	"io"
	"time"
)

// DefaultLogger is a no-op logger implementation.
type DefaultLogger struct{}

// Debug implements Logger.Debug
func (l *DefaultLogger) Debug(format string, args ...interface{}) {}

// Info implements Logger.Info
func (l *DefaultLogger) Info(format string, args ...interface{}) {}

// Warn implements Logger.Warn
func (l *DefaultLogger) Warn(format string, args ...interface{}) {}

// Error implements Logger.Error
func (l *DefaultLogger) Error(format string, args ...interface{}) {}

// NewDefaultLogger creates a new default no-op logger
func NewDefaultLogger() Logger {
	return &DefaultLogger{}
}

// WriterLogger writes timestamped, level-prefixed lines to an io.Writer,
// typically a log file kept next to the pipeline's store file.
type WriterLogger struct {
	w io.Writer
}

// NewWriterLogger creates a logger that writes to w.
func NewWriterLogger(w io.Writer) *WriterLogger {
	return &WriterLogger{w: w}
}

func (l *WriterLogger) write(level, format string, args ...interface{}) {
	fmt.Fprintf(l.w, "%s [%s] %s\n",
		time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}

// Debug implements Logger.Debug
func (l *WriterLogger) Debug(format string, args ...interface{}) {
	l.write("DEBUG", format, args...)
}

// Info implements Logger.Info
func (l *WriterLogger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
}

// Warn implements Logger.Warn
func (l *WriterLogger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
}

// Error implements Logger.Error
func (l *WriterLogger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
}
