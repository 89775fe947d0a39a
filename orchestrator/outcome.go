package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/xrelay/provider"
)

// Outcome records one link of a chain walk.
type Outcome struct {
	Op        provider.Operation
	Provider  provider.ID
	Succeeded bool
	Skipped   bool
	Latency   time.Duration
	// Attempts is the number of provider calls made, retries included.
	// Zero when the breaker rejected the call or the link was skipped.
	Attempts int
	Kind     provider.ErrorKind
	Err      error
}

// MarshalJSON renders the outcome for status endpoints and error payloads.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type wire struct {
		Op        provider.Operation `json:"op"`
		Provider  provider.ID        `json:"provider"`
		Succeeded bool               `json:"succeeded"`
		Skipped   bool               `json:"skipped,omitempty"`
		LatencyMs int64              `json:"latency_ms"`
		Attempts  int                `json:"attempts"`
		Kind      string             `json:"kind,omitempty"`
		Error     string             `json:"error,omitempty"`
	}
	w := wire{
		Op:        o.Op,
		Provider:  o.Provider,
		Succeeded: o.Succeeded,
		Skipped:   o.Skipped,
		LatencyMs: o.Latency.Milliseconds(),
		Attempts:  o.Attempts,
	}
	if o.Err != nil {
		w.Kind = o.Kind.String()
		w.Error = o.Err.Error()
	}
	return json.Marshal(w)
}

func (o Outcome) label() string {
	switch {
	case o.Skipped:
		return string(o.Provider) + "=skipped"
	case o.Succeeded:
		return string(o.Provider) + "=ok"
	}
	return string(o.Provider) + "=" + o.Kind.String()
}

// OutcomeSink receives every outcome. Implementations must not block for long
// and must never influence the chain.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

// SinkFunc adapts a function to OutcomeSink.
type SinkFunc func(ctx context.Context, o Outcome)

func (f SinkFunc) RecordOutcome(ctx context.Context, o Outcome) { f(ctx, o) }

// AllProvidersFailed is returned when a chain is exhausted, or aborted because
// the request context ended. Attempts is the full trail in chain order.
type AllProvidersFailed struct {
	Op       provider.Operation
	Attempts []Outcome
	// Aborted is set when the chain stopped early because ctx ended; Cause
	// then holds ctx.Err().
	Aborted bool
	Cause   error
}

func (e *AllProvidersFailed) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, o := range e.Attempts {
		parts = append(parts, o.label())
	}
	if e.Aborted {
		return fmt.Sprintf("orchestrator: %s aborted after [%s]: %v", e.Op, strings.Join(parts, ", "), e.Cause)
	}
	return fmt.Sprintf("orchestrator: all providers failed for %s: [%s]", e.Op, strings.Join(parts, ", "))
}

// Unwrap exposes every attempt error plus the abort cause, so errors.Is and
// errors.As see through the aggregate.
func (e *AllProvidersFailed) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	for _, o := range e.Attempts {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Providers returns the providers that were actually tried, skipped links excluded.
func (e *AllProvidersFailed) Providers() []provider.ID {
	ids := make([]provider.ID, 0, len(e.Attempts))
	for _, o := range e.Attempts {
		if !o.Skipped {
			ids = append(ids, o.Provider)
		}
	}
	return ids
}
