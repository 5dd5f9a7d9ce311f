// Package logging wraps zap for structured, leveled logging shared by every
// component of the ingestion and transcription engines.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// Logger wraps a zap.SugaredLogger so callers can pass loosely-typed
// key/value pairs (file id, request id, stage) without constructing
// zap.Field values at every call site.
type Logger struct {
	s *zap.SugaredLogger
}

// New creates a production logger, or a development one (console encoding,
// debug level) when development is true.
func New(development bool) (*Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{s: z.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// WithContext stores l in ctx for retrieval by components that only carry a
// context.Context across suspension points.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext retrieves the logger stored by WithContext, falling back to a
// fresh production logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return l
	}
	l, _ := New(false)
	return l
}

// With returns a derived logger carrying the given key/value pairs on every
// subsequent call.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{s: l.s.With(keysAndValues...)}
}

func (l *Logger) Info(msg string, keysAndValues ...interface{})  { l.s.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) { l.s.Fatalw(msg, keysAndValues...) }
func (l *Logger) Sync() error                                    { return l.s.Sync() }

// Zap returns the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.s.Desugar() }
