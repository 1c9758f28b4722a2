// Package zap adapts zap to billsync.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Logger implements billsync.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new zap logger adapter. A nil logger is replaced by zap.NewNop.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...billsync.Field) { l.logger.Debug(msg, convert(fields)...) }
func (l *Logger) Info(msg string, fields ...billsync.Field)  { l.logger.Info(msg, convert(fields)...) }
func (l *Logger) Warn(msg string, fields ...billsync.Field)  { l.logger.Warn(msg, convert(fields)...) }
func (l *Logger) Error(msg string, fields ...billsync.Field) { l.logger.Error(msg, convert(fields)...) }

func convert(fields []billsync.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
