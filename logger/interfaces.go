package logger

// Logger is the logging interface used across the module.
// It hides the backend (logrus) so callers never depend on it directly.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	Fatal(msg string, err error, fields ...Field)

	// With creates a child logger with preset fields.
	With(fields ...Field) Logger

	// Close releases any open file handles.
	Close() error
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}
