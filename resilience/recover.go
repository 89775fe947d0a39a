package resilience

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Recover runs fn and converts a panic into *ErrPanic instead of crashing
// the process. Browser automation libraries panic on their Must* helpers,
// and a panicking provider must count as a failed call, not a dead server.
func Recover(ctx context.Context, logger *slog.Logger, service string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "provider panic recovered",
					"service", service,
					"panic", r,
					"stack", string(debug.Stack()))
			}
			err = &ErrPanic{Service: service, Value: r}
		}
	}()
	return fn(ctx)
}
