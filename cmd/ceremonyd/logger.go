// logger.go - Structured logging for the ceremony daemon
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes to the console, an optional log file and an optional audit
// log that receives WARN and above plus explicit audit events
type Logger struct {
	zl    zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

// NewLogger creates a new logger instance
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{audit: zerolog.Nop()}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}}

	if logFile != "" {
		f, err := openAppend(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}

	if auditFile != "" {
		f, err := openAppend(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: f},
			Level:  zerolog.WarnLevel,
		})
		l.audit = zerolog.New(f).With().Timestamp().Str("kind", "audit").Logger()
	}

	l.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// Zerolog returns the underlying logger for library packages
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// Audit records an audit event
func (l *Logger) Audit(event string, details map[string]any) {
	l.audit.Log().Fields(details).Msg(event)
	l.zl.Info().Fields(details).Msgf("audit: %s", event)
}
