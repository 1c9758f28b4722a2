package billsync

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for building a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// WithFields returns a Logger that prepends fields to every entry.
func WithFields(l Logger, fields ...Field) Logger {
	if l == nil {
		l = &NoopLogger{}
	}
	if len(fields) == 0 {
		return l
	}
	if inner, ok := l.(*fieldLogger); ok {
		merged := append(append([]Field{}, inner.fields...), fields...)
		return &fieldLogger{next: inner.next, fields: merged}
	}
	return &fieldLogger{next: l, fields: append([]Field{}, fields...)}
}

type fieldLogger struct {
	next   Logger
	fields []Field
}

func (l *fieldLogger) with(fields []Field) []Field {
	return append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
}

func (l *fieldLogger) Debug(msg string, fields ...Field) { l.next.Debug(msg, l.with(fields)...) }
func (l *fieldLogger) Info(msg string, fields ...Field)  { l.next.Info(msg, l.with(fields)...) }
func (l *fieldLogger) Warn(msg string, fields ...Field)  { l.next.Warn(msg, l.with(fields)...) }
func (l *fieldLogger) Error(msg string, fields ...Field) { l.next.Error(msg, l.with(fields)...) }
