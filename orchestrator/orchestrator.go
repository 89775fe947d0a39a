// Package orchestrator walks per-operation provider chains. Each link pairs a
// provider with its circuit breaker and retry policy; links are tried strictly
// in order and the first success wins. There is no parallel fan-out: a request
// never has more than one provider call in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/resilience"
)

// ErrNoChain is returned when no chain is configured for an operation.
var ErrNoChain = errors.New("orchestrator: no chain configured")

// Link is one step of a fallback chain.
type Link struct {
	Provider provider.Provider
	Breaker  *resilience.CircuitBreaker
	Retry    *resilience.RetryPolicy
}

// Options are request-scoped chain overrides. They never alter the static
// chain definition.
type Options struct {
	// Skip lists providers to bypass for this request.
	Skip []provider.ID
	// Only restricts the chain to a single provider.
	Only provider.ID
}

func (o Options) skips(id provider.ID) bool {
	if o.Only != "" && o.Only != id {
		return true
	}
	return slices.Contains(o.Skip, id)
}

// Orchestrator executes fallback chains. Chains are swapped atomically by
// SetChain and read without blocking concurrent requests for long.
type Orchestrator struct {
	mu     sync.RWMutex
	chains map[provider.Operation][]Link
	sink   OutcomeSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the outcome sink. Outcomes are observability only.
func WithSink(s OutcomeSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger sets the logger used for recovered panics and chain aborts.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// WithChain sets the chain for an operation.
func WithChain(op provider.Operation, links ...Link) Option {
	return func(o *Orchestrator) { o.chains[op] = links }
}

// New creates an Orchestrator with no chains unless WithChain is given.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		chains: make(map[provider.Operation][]Link),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// SetChain replaces the chain for op.
func (o *Orchestrator) SetChain(op provider.Operation, links []Link) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chains[op] = slices.Clone(links)
}

// Chain returns the provider order configured for op.
func (o *Orchestrator) Chain(op provider.Operation) []provider.ID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]provider.ID, 0, len(o.chains[op]))
	for _, l := range o.chains[op] {
		ids = append(ids, l.Provider.ID())
	}
	return ids
}

// Execute walks the chain for req.Op. It returns the first successful result,
// annotated with the winning provider, or *AllProvidersFailed carrying every
// outcome. A context that ends mid-chain aborts the remaining links.
func (o *Orchestrator) Execute(ctx context.Context, req provider.Request, opts Options) (*provider.Result, error) {
	if !req.Op.Valid() {
		return nil, fmt.Errorf("orchestrator: invalid operation %q", req.Op)
	}
	o.mu.RLock()
	links := o.chains[req.Op]
	o.mu.RUnlock()
	if len(links) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoChain, req.Op)
	}

	fail := &AllProvidersFailed{Op: req.Op}
	for _, link := range links {
		id := link.Provider.ID()
		if err := ctx.Err(); err != nil {
			return nil, o.abort(ctx, fail, err)
		}
		if opts.skips(id) || !link.Provider.Supports(req.Op) {
			fail.Attempts = append(fail.Attempts, o.emit(ctx, Outcome{Op: req.Op, Provider: id, Skipped: true}))
			continue
		}

		res, out := o.try(ctx, link, req)
		o.emit(ctx, out)
		if out.Succeeded {
			return res, nil
		}
		fail.Attempts = append(fail.Attempts, out)
		if err := ctx.Err(); err != nil {
			return nil, o.abort(ctx, fail, err)
		}
	}
	return nil, fail
}

// try runs one link: breaker around retry around the provider call.
func (o *Orchestrator) try(ctx context.Context, link Link, req provider.Request) (*provider.Result, Outcome) {
	id := link.Provider.ID()
	out := Outcome{Op: req.Op, Provider: id}
	start := o.now()

	var res *provider.Result
	call := func(ctx context.Context) error {
		n, err := link.Retry.Do(ctx, func(ctx context.Context) error {
			err := resilience.Recover(ctx, o.logger, string(id), func(ctx context.Context) error {
				r, err := link.Provider.Fetch(ctx, req)
				if err != nil {
					return provider.Classify(id, err)
				}
				if r == nil {
					return provider.Errorf(id, provider.KindParse, "empty result")
				}
				res = r
				return nil
			})
			// A panic is a bug, not an upstream condition: KindUnknown, never retried.
			var pe *resilience.ErrPanic
			if errors.As(err, &pe) {
				return &provider.Error{Provider: id, Kind: provider.KindUnknown, Err: pe}
			}
			return err
		})
		out.Attempts = n
		return err
	}

	var err error
	if link.Breaker != nil {
		err = link.Breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	out.Latency = o.now().Sub(start)

	if err != nil {
		var open *resilience.ErrCircuitOpen
		if errors.As(err, &open) {
			out.Kind = provider.KindCircuitOpen
			out.Err = err
			return nil, out
		}
		perr := provider.Classify(id, err)
		out.Kind = perr.Kind
		out.Err = perr
		return nil, out
	}

	res.Op = req.Op
	res.Provider = id
	if res.FetchedAt.IsZero() {
		res.FetchedAt = o.now()
	}
	out.Succeeded = true
	return res, out
}

func (o *Orchestrator) abort(ctx context.Context, fail *AllProvidersFailed, cause error) error {
	fail.Aborted = true
	fail.Cause = cause
	o.logger.WarnContext(ctx, "chain aborted",
		"op", string(fail.Op),
		"tried", fail.Providers(),
		"error", cause)
	return fail
}

func (o *Orchestrator) emit(ctx context.Context, out Outcome) Outcome {
	if o.sink != nil {
		o.sink.RecordOutcome(ctx, out)
	}
	return out
}
