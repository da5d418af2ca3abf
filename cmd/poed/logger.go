// logger.go - Structured logging for the proof-of-energy daemon
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var consoleWriter = zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
	FormatLevel: func(i interface{}) string {
		return fmt.Sprintf("[%-6s]", i)
	},
}

// Logger bundles the main logger with the audit logger used for admin and
// issuance events.
type Logger struct {
	zerolog.Logger
	Audit zerolog.Logger

	files []*os.File
}

// NewLogger builds the daemon loggers from config.
func NewLogger(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = consoleWriter
	}
	if cfg.LogFile != "" {
		f, err := openAppend(cfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		out = zerolog.MultiLevelWriter(out, f)
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()

	l.Audit = zerolog.Nop()
	if cfg.EnableAudit && cfg.AuditLogPath != "" {
		f, err := openAppend(cfg.AuditLogPath)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		l.Audit = zerolog.New(f).With().Timestamp().Str("log", "audit").Logger()
	}
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
