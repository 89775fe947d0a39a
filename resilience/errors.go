package resilience

import "fmt"

// ErrCircuitOpen is returned when the circuit breaker for a provider is open,
// rejecting the call without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("resilience: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Service string
	Value   any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("resilience: %s panicked: %v", e.Service, e.Value)
}
