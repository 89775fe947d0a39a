// Package outcomelog turns orchestrator outcomes into log records. One sink
// per logging library, so the engine can feed whatever the host process
// already uses.
package outcomelog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/hazyhaar/xrelay/orchestrator"
)

const message = "provider attempt"

// Fields is the flat key/value view of an outcome shared by every sink.
type Fields map[string]any

func fields(o orchestrator.Outcome) Fields {
	f := Fields{
		"op":         string(o.Op),
		"provider":   string(o.Provider),
		"succeeded":  o.Succeeded,
		"latency_ms": o.Latency.Milliseconds(),
		"attempts":   o.Attempts,
	}
	if o.Skipped {
		f["skipped"] = true
	}
	if o.Err != nil {
		f["kind"] = o.Kind.String()
		f["error"] = o.Err.Error()
	}
	return f
}

// level is the severity an outcome is logged at: failures warn, skips are
// debug noise.
func level(o orchestrator.Outcome) slog.Level {
	switch {
	case o.Skipped:
		return slog.LevelDebug
	case o.Succeeded:
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// Slog logs outcomes to a *slog.Logger.
type Slog struct{ L *slog.Logger }

func (s Slog) RecordOutcome(ctx context.Context, o orchestrator.Outcome) {
	l := s.L
	if l == nil {
		l = slog.Default()
	}
	f := fields(o)
	attrs := make([]slog.Attr, 0, len(f))
	for k, v := range f {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(ctx, level(o), message, attrs...)
}

// Zap logs outcomes to a *zap.Logger.
type Zap struct{ L *zap.Logger }

func (z Zap) RecordOutcome(_ context.Context, o orchestrator.Outcome) {
	f := fields(o)
	zf := make([]zap.Field, 0, len(f))
	for k, v := range f {
		zf = append(zf, zap.Any(k, v))
	}
	switch level(o) {
	case slog.LevelDebug:
		z.L.Debug(message, zf...)
	case slog.LevelInfo:
		z.L.Info(message, zf...)
	default:
		z.L.Warn(message, zf...)
	}
}

// Logrus logs outcomes to a *logrus.Entry.
type Logrus struct{ E *logrus.Entry }

func (l Logrus) RecordOutcome(ctx context.Context, o orchestrator.Outcome) {
	e := l.E.WithContext(ctx).WithFields(logrus.Fields(fields(o)))
	switch level(o) {
	case slog.LevelDebug:
		e.Debug(message)
	case slog.LevelInfo:
		e.Info(message)
	default:
		e.Warn(message)
	}
}

// Multi fans every outcome out to several sinks. Nil sinks are dropped.
func Multi(sinks ...orchestrator.OutcomeSink) orchestrator.OutcomeSink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multi []orchestrator.OutcomeSink

func (m multi) RecordOutcome(ctx context.Context, o orchestrator.Outcome) {
	for _, s := range m {
		s.RecordOutcome(ctx, o)
	}
}

// New builds the sink named by the log.outcome_sink setting. zap and logrus
// sinks get a production logger of their own; slog uses logger.
func New(name string, logger *slog.Logger) (orchestrator.OutcomeSink, func() error, error) {
	noop := func() error { return nil }
	switch name {
	case "", "slog":
		return Slog{L: logger}, noop, nil
	case "zap":
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, nil, fmt.Errorf("outcomelog: zap: %w", err)
		}
		return Zap{L: zl}, func() error { zl.Sync(); return nil }, nil
	case "logrus":
		lr := logrus.New()
		lr.SetFormatter(&logrus.JSONFormatter{})
		return Logrus{E: logrus.NewEntry(lr)}, noop, nil
	}
	return nil, nil, fmt.Errorf("outcomelog: unknown sink %q (want slog, zap or logrus)", name)
}
