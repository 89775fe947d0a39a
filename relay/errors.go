package relay

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/xrelay/orchestrator"
	"github.com/hazyhaar/xrelay/provider"
)

var (
	// ErrInvalidRequest wraps every parameter validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoLedger is returned by LookupProof when no ledger is configured.
	ErrNoLedger = errors.New("relay: ledger not configured")
)

// Error is returned by every Engine operation. Err is ErrInvalidRequest
// (wrapped), *orchestrator.AllProvidersFailed, or a chain configuration error.
type Error struct {
	Op  provider.Operation
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("relay: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Providers lists the providers that were tried before the request failed.
func (e *Error) Providers() []provider.ID {
	var all *orchestrator.AllProvidersFailed
	if errors.As(e.Err, &all) {
		return all.Providers()
	}
	return nil
}

// Attempts returns the full attempt trail, or nil when the chain never ran.
func (e *Error) Attempts() []orchestrator.Outcome {
	var all *orchestrator.AllProvidersFailed
	if errors.As(e.Err, &all) {
		return all.Attempts
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
