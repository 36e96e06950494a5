// Package oetlog provides structured logging with engine context, in the
// same two-variant shape as the reference runtime this project is built
// from: a non-sugared Logger for the hot paths (process manager, event
// bus, request bridge) and a SugaredLogger (via .Sugar()) for CLI output.
package oetlog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger with baked-in component context.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI/debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// New creates a logger tagged with the given component name, writing JSON
// to os.Stderr.
func New(component string) *Logger {
	return newWithWriter(component, os.Stderr)
}

// WithOutput returns a new logger writing to a different destination.
// The context fields of l (the component and any added through With)
// are held by l's core, which is replaced, so they are not carried over.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), zapcore.DebugLevel)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// With returns a logger with additional baked-in fields, e.g. a procedure
// ID that should be attached to every subsequent log line from a
// particular worker goroutine.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...)}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newWithWriter(component string, w io.Writer) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), zapcore.DebugLevel)
	l := zap.New(core).With(zap.String("component", component))
	return &Logger{zap: l}
}

func (l *Logger) Debug(message string, fields map[string]any) { l.zap.Debug(message, zap.Any("fields", fields)) }
func (l *Logger) Info(message string, fields map[string]any)  { l.zap.Info(message, zap.Any("fields", fields)) }
func (l *Logger) Warn(message string, fields map[string]any)  { l.zap.Warn(message, zap.Any("fields", fields)) }
func (l *Logger) Error(message string, fields map[string]any) { l.zap.Error(message, zap.Any("fields", fields)) }

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

func (s *SugaredLogger) Debugf(template string, args ...any) { s.sugar.Debugf(template, args...) }
func (s *SugaredLogger) Infof(template string, args ...any)  { s.sugar.Infof(template, args...) }
func (s *SugaredLogger) Warnf(template string, args ...any)  { s.sugar.Warnf(template, args...) }
func (s *SugaredLogger) Errorf(template string, args ...any) { s.sugar.Errorf(template, args...) }
