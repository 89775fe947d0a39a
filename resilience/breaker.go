// Package resilience isolates flaky upstreams: a per-provider circuit breaker
// and a bounded retry policy with exponential backoff.
//
// The retry policy runs inside the breaker, so an exhausted retry sequence
// counts as a single breaker failure:
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		_, err := policy.Do(ctx, fetch)
//		return err
//	})
package resilience

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // One trial call allowed to test recovery.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON health payloads.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is a point-in-time copy of a breaker's health.
type Snapshot struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FailureRatio        float64      `json:"failure_ratio"`
	WindowCalls         int          `json:"window_calls"`
	OpenedAt            time.Time    `json:"opened_at,omitzero"`
}

// CircuitBreaker implements the circuit breaker pattern for one provider.
// Thread-safe: admission and every state transition happen under mu.
//
// The breaker opens when consecutive failures reach the threshold, or when
// the rolling window holds at least minCalls outcomes and the failure ratio
// reaches failureRatio. After resetTimeout it admits exactly one trial call.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        BreakerState
	consecutive  int
	window       []bool // ring of recent outcomes, true = failure
	windowNext   int
	windowLen    int
	windowFails  int
	threshold    int
	minCalls     int
	failureRatio float64
	resetTimeout time.Duration
	openedAt     time.Time
	trial        bool   // a half-open trial is in flight
	generation   uint64 // bumped on every transition; stale results are dropped
	isFailure    func(error) bool
	onChange     func(name string, from, to BreakerState)
	now          func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failure count that trips the
// breaker open. Zero or less disables the consecutive check.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerWindow configures the rolling window: its size, the minimum
// number of calls before the ratio is considered, and the failure ratio that
// trips it. A ratio of zero or less disables the ratio check.
func WithBreakerWindow(size, minCalls int, ratio float64) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.window = make([]bool, size)
		cb.minCalls = minCalls
		cb.failureRatio = ratio
	}
}

// WithBreakerResetTimeout sets how long the breaker stays open before
// transitioning to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithFailurePredicate decides which errors count against the provider's
// health. Errors for which fn returns false are recorded as successes.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// WithStateChange registers a hook called (under the breaker lock) on every transition.
func WithStateChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// NewCircuitBreaker creates a breaker with defaults: 5 consecutive failures
// to open, a 20-call window tripping at 50% failures once 10 calls are in,
// and a 30s reset timeout.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		state:        BreakerClosed,
		window:       make([]bool, 20),
		threshold:    5,
		minCalls:     10,
		failureRatio: 0.5,
		resetTimeout: 30 * time.Second,
		isFailure:    func(err error) bool { return err != nil },
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Name returns the provider name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call, and records its outcome.
// A rejected call returns *ErrCircuitOpen without invoking fn. When fn fails
// because ctx itself ended, the call is recorded as neither success nor
// failure: the caller gave up, the provider was not proven unhealthy.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, trial, ok := cb.admit()
	if !ok {
		return &ErrCircuitOpen{Service: cb.name}
	}

	err := fn(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		cb.abandon(gen, trial)
	case err != nil && cb.isFailure(err):
		cb.recordFailure(gen, trial)
	default:
		cb.recordSuccess(gen, trial)
	}
	return err
}

// State returns the current breaker state. It may move an expired Open
// breaker to HalfOpen but never consumes the trial slot.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

// Snapshot returns a copy of the breaker's health counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	s := Snapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutive,
		WindowCalls:         cb.windowLen,
	}
	if cb.windowLen > 0 {
		s.FailureRatio = float64(cb.windowFails) / float64(cb.windowLen)
	}
	if cb.state != BreakerClosed {
		s.OpenedAt = cb.openedAt
	}
	return s
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosed()
}

func (cb *CircuitBreaker) admit() (gen uint64, trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	switch cb.state {
	case BreakerClosed:
		return cb.generation, false, true
	case BreakerHalfOpen:
		if cb.trial {
			return 0, false, false
		}
		cb.trial = true
		return cb.generation, true, true
	}
	return 0, false, false
}

func (cb *CircuitBreaker) recordSuccess(gen uint64, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		return
	}
	if trial {
		cb.toClosed()
		return
	}
	cb.consecutive = 0
	cb.push(false)
}

func (cb *CircuitBreaker) recordFailure(gen uint64, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.generation {
		return
	}
	if trial {
		// Any failure in half-open goes back to open.
		cb.toOpen()
		return
	}
	cb.consecutive++
	cb.push(true)
	if (cb.threshold > 0 && cb.consecutive >= cb.threshold) || cb.ratioTripped() {
		cb.toOpen()
	}
}

func (cb *CircuitBreaker) abandon(gen uint64, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial && gen == cb.generation {
		cb.trial = false
	}
}

func (cb *CircuitBreaker) ratioTripped() bool {
	if cb.failureRatio <= 0 || cb.windowLen == 0 || cb.windowLen < cb.minCalls {
		return false
	}
	return float64(cb.windowFails)/float64(cb.windowLen) >= cb.failureRatio
}

// push appends an outcome to the ring. Must be called with mu held.
func (cb *CircuitBreaker) push(failed bool) {
	if len(cb.window) == 0 {
		return
	}
	if cb.windowLen == len(cb.window) {
		if cb.window[cb.windowNext] {
			cb.windowFails--
		}
	} else {
		cb.windowLen++
	}
	cb.window[cb.windowNext] = failed
	if failed {
		cb.windowFails++
	}
	cb.windowNext = (cb.windowNext + 1) % len(cb.window)
}

func (cb *CircuitBreaker) toOpen() {
	cb.setState(BreakerOpen)
	cb.openedAt = cb.now()
	cb.trial = false
}

func (cb *CircuitBreaker) toClosed() {
	cb.setState(BreakerClosed)
	cb.consecutive = 0
	cb.trial = false
	cb.windowNext, cb.windowLen, cb.windowFails = 0, 0, 0
	clear(cb.window)
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.generation++
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

// maybeTransition checks if an open breaker should move to half-open.
// Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(BreakerHalfOpen)
		cb.trial = false
	}
}
