package logging

import (
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// LogFields represents structured logging key/value pairs used by stmtflow.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by the pipeline.
// It maps directly onto Watermill's logging needs so transports and pipeline
// stages share one logger.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("stmtflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("stmtflow: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewZapServiceLogger wraps a zap.Logger. Trace messages are emitted at debug
// level with a trace=true field since zap has no trace level.
func NewZapServiceLogger(log *zap.Logger) ServiceLogger {
	if log == nil {
		panic("stmtflow: zap logger cannot be nil")
	}
	return &zapServiceLogger{inner: log}
}

// NewNopServiceLogger returns a logger that discards everything.
func NewNopServiceLogger() ServiceLogger {
	return NewWatermillServiceLogger(watermill.NopLogger{})
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type zapServiceLogger struct {
	inner *zap.Logger
}

func (z *zapServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zapServiceLogger{inner: z.inner.With(toZapFields(fields)...)}
}

func (z *zapServiceLogger) Debug(msg string, fields LogFields) {
	z.inner.Debug(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Info(msg string, fields LogFields) {
	z.inner.Info(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Error(msg string, err error, fields LogFields) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.inner.Error(msg, zf...)
}

func (z *zapServiceLogger) Trace(msg string, fields LogFields) {
	z.inner.Debug(msg, append(toZapFields(fields), zap.Bool("trace", true))...)
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter so
// transports built by Watermill log through the same logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("stmtflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

// toZapFields sorts keys so output ordering is stable between runs.
func toZapFields(fields LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
