package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// loggerImpl implements the Logger interface using logrus as the backend
type loggerImpl struct {
	logrus *logrus.Logger
	file   *os.File
	fields []Field // Preset fields for child loggers
}

// New creates a new logger instance with the specified configuration
func New(cfg Config) (Logger, error) {
	logrusLogger := logrus.New()

	logLevel, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrusLogger.SetLevel(logLevel)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrusLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logrusLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	var file *os.File
	var writer io.Writer

	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// Treat as file path
		logDir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		//nolint:gosec // G304: cfg.Output comes from configuration, not user input
		file, err = os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	logrusLogger.SetOutput(writer)

	return &loggerImpl{
		logrus: logrusLogger,
		file:   file,
		fields: []Field{},
	}, nil
}

// NewDefault creates a logger with sensible defaults
func NewDefault() Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		return NewNoop()
	}
	return l
}

// NewNoop creates a no-op logger that does nothing.
// Useful for tests when logging output is unwanted.
func NewNoop() Logger {
	return &noopLogger{}
}

// noopLogger is a no-op implementation of Logger
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...Field)            {}
func (n *noopLogger) Info(msg string, fields ...Field)             {}
func (n *noopLogger) Warn(msg string, fields ...Field)             {}
func (n *noopLogger) Error(msg string, err error, fields ...Field) {}
func (n *noopLogger) Fatal(msg string, err error, fields ...Field) {}
func (n *noopLogger) With(fields ...Field) Logger                  { return n }
func (n *noopLogger) Close() error                                 { return nil }

func fieldsToLogrusFields(fields []Field) logrus.Fields {
	logrusFields := make(logrus.Fields, len(fields))
	for _, field := range fields {
		logrusFields[field.Key] = field.Value
	}
	return logrusFields
}

func (l *loggerImpl) getEntry(fields []Field) *logrus.Entry {
	allFields := append(l.fields, fields...)
	return l.logrus.WithFields(fieldsToLogrusFields(allFields))
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.getEntry(fields).Debug(msg)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.getEntry(fields).Info(msg)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.getEntry(fields).Warn(msg)
}

func (l *loggerImpl) Error(msg string, err error, fields ...Field) {
	entry := l.getEntry(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (l *loggerImpl) Fatal(msg string, err error, fields ...Field) {
	entry := l.getEntry(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Fatal(msg)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{
		logrus: l.logrus,
		file:   nil, // Child loggers don't own the file handle
		fields: append(l.fields, fields...),
	}
}

func (l *loggerImpl) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
