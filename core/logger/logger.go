package logger

// Fields carries structured key/value pairs for a log entry.
type Fields = map[string]any

// Logger exposes logging methods for common severity levels.
type Logger interface {
	Debugf(format string, args ...any)
	// Debugw logs a message with structured fields.
	Debugw(msg string, fields Fields)
	Infof(format string, args ...any)
	// Infow logs a message with structured fields.
	Infow(msg string, fields Fields)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NopLogger implements Logger with no-op methods.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Debugw(string, Fields) {}
func (NopLogger) Infof(string, ...any) {}
func (NopLogger) Infow(string, Fields) {}
func (NopLogger) Warnf(string, ...any) {}
func (NopLogger) Errorf(string, ...any) {}
