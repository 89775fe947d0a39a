// Package relay is the retrieval engine facade. It owns one breaker per
// provider, the fallback chains, the result cache, integrity proofs and the
// optional outcome ledger, and exposes them as five operations:
//
//	eng, _ := relay.New(cfg)
//	defer eng.Close()
//	res, err := eng.FetchOne(ctx, "20", relay.FetchOptions{})
//	ok := eng.VerifyIntegrity(res.Proof.ContentHash, res.Proof.RootHash, res.Proof.Components)
//
// Every request follows the same path: cache lookup, chain execution, proof
// computation, cache write. A cache failure is logged and treated as a miss.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/xrelay/cache"
	"github.com/hazyhaar/xrelay/integrity"
	"github.com/hazyhaar/xrelay/ledger"
	"github.com/hazyhaar/xrelay/orchestrator"
	"github.com/hazyhaar/xrelay/outcomelog"
	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/provider/api"
	"github.com/hazyhaar/xrelay/provider/mirror"
	"github.com/hazyhaar/xrelay/provider/scraper"
	"github.com/hazyhaar/xrelay/resilience"
)

// Engine is safe for concurrent use.
type Engine struct {
	cfg       *Config
	logger    *slog.Logger
	now       func() time.Time
	orch      *orchestrator.Orchestrator
	providers map[provider.ID]provider.Provider
	breakers  map[provider.ID]*resilience.CircuitBreaker
	cache     *cache.Cache[entry]
	ledger    *ledger.Ledger
	db        *sql.DB

	injected  []provider.Provider
	store     cache.Store
	extraSink orchestrator.OutcomeSink
	closers   []func() error
	stop      context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. It is handed down to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used by breakers, the cache, the ledger and
// providers.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithProviders replaces the providers built from configuration.
func WithProviders(ps ...provider.Provider) Option {
	return func(e *Engine) { e.injected = append(e.injected, ps...) }
}

// WithStore replaces the cache store selected by cache.store.
func WithStore(s cache.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSink adds an outcome sink next to the configured log sink and the
// ledger.
func WithSink(s orchestrator.OutcomeSink) Option {
	return func(e *Engine) { e.extraSink = s }
}

// New builds an engine from cfg. A nil cfg means DefaultConfig. Providers
// that are not configured are left out of every chain.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		providers: make(map[provider.ID]provider.Provider),
		breakers:  make(map[provider.ID]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(e)
	}

	if err := e.init(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	ps := e.injected
	if len(ps) == 0 {
		built, err := e.buildProviders()
		if err != nil {
			return err
		}
		ps = built
	}
	for _, p := range ps {
		e.providers[p.ID()] = p
		if c, ok := p.(provider.Closer); ok {
			e.closers = append(e.closers, c.Close)
		}
		e.breakers[p.ID()] = e.newBreaker(p.ID())
	}

	c, err := e.buildCache()
	if err != nil {
		return err
	}
	e.cache = c

	if e.cfg.Ledger.Path != "" {
		db, err := ledger.Open(e.cfg.Ledger.Path, ledger.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		e.db = db
		e.ledger, err = ledger.New(db, ledger.WithLogger(e.logger), ledger.WithClock(e.now))
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		if days := e.cfg.Ledger.RetentionDays; days > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			e.stop = cancel
			go e.ledger.RunCleanup(ctx, time.Hour, time.Duration(days)*24*time.Hour)
		}
	}

	logSink, closeSink, err := outcomelog.New(e.cfg.Log.OutcomeSink, e.logger)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	e.closers = append(e.closers, closeSink)
	var ledgerSink orchestrator.OutcomeSink
	if e.ledger != nil {
		ledgerSink = e.ledger
	}

	e.orch = orchestrator.New(
		orchestrator.WithSink(outcomelog.Multi(logSink, ledgerSink, e.extraSink)),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithClock(e.now),
	)
	for _, op := range []provider.Operation{provider.OpItem, provider.OpSearch, provider.OpTimeline} {
		e.orch.SetChain(op, e.links(op))
	}
	return nil
}

func (e *Engine) buildProviders() ([]provider.Provider, error) {
	pc := e.cfg.Providers
	var ps []provider.Provider
	if pc.API.Endpoint != "" {
		p, err := api.New(api.Config{
			Endpoint:      pc.API.Endpoint,
			APIKey:        pc.API.APIKey,
			Headers:       pc.API.Headers,
			RatePerSecond: pc.API.RatePerSecond,
			Burst:         pc.API.Burst,
			ItemPath:      pc.API.ItemPath,
			ListPath:      pc.API.ListPath,
			IDField:       pc.API.IDField,
		}, api.WithClock(e.now))
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		ps = append(ps, p)
	}
	if pc.Scraper.Enabled {
		p, err := scraper.New(scraper.Config{
			RemoteURL:          pc.Scraper.RemoteURL,
			BaseURL:            pc.Scraper.BaseURL,
			MaxContexts:        pc.Scraper.MaxContexts,
			PageTimeout:        pc.Scraper.Timeout,
			CaptureScreenshots: pc.Scraper.CaptureScreenshots,
		}, scraper.WithLogger(e.logger), scraper.WithClock(e.now))
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		ps = append(ps, p)
	}
	if len(pc.Mirror.Instances) > 0 {
		p, err := mirror.New(mirror.Config{
			Instances:     pc.Mirror.Instances,
			HealthTimeout: pc.Mirror.HealthTimeout,
			CanonicalBase: pc.Mirror.CanonicalBase,
		}, mirror.WithLogger(e.logger), mirror.WithClock(e.now))
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, nil
}

func (e *Engine) newBreaker(id provider.ID) *resilience.CircuitBreaker {
	bc := e.cfg.Breaker
	return resilience.NewCircuitBreaker(string(id),
		resilience.WithBreakerThreshold(bc.Threshold),
		resilience.WithBreakerWindow(bc.Window, bc.MinCalls, bc.FailureRatio),
		resilience.WithBreakerResetTimeout(bc.ResetTimeout),
		resilience.WithBreakerClock(e.now),
		// A missing item says nothing about the provider's health.
		resilience.WithFailurePredicate(func(err error) bool {
			return provider.KindOf(err) != provider.KindNotFound
		}),
		resilience.WithStateChange(func(name string, from, to resilience.BreakerState) {
			e.logger.Warn("breaker state change", "provider", name, "from", from.String(), "to", to.String())
		}),
	)
}

// retryPolicy builds the per-provider policy: the shared backoff settings with
// the provider's own attempt count and timeout.
func (e *Engine) retryPolicy(id provider.ID) *resilience.RetryPolicy {
	rc := e.cfg.Retry
	p := &resilience.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		Multiplier:  rc.Multiplier,
		Jitter:      rc.Jitter,
		Retryable:   provider.IsTransient,
		Logger:      e.logger,
	}
	var maxAttempts int
	switch id {
	case provider.API:
		maxAttempts, p.AttemptTimeout = e.cfg.Providers.API.MaxAttempts, e.cfg.Providers.API.Timeout
	case provider.Scraper:
		// The scraper bounds the page itself; the pool wait is bounded by
		// the request.
		maxAttempts = e.cfg.Providers.Scraper.MaxAttempts
	case provider.Mirror:
		maxAttempts, p.AttemptTimeout = e.cfg.Providers.Mirror.MaxAttempts, e.cfg.Providers.Mirror.Timeout
	}
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	return p
}

func (e *Engine) links(op provider.Operation) []orchestrator.Link {
	var links []orchestrator.Link
	for _, name := range e.cfg.Chains[string(op)] {
		id := provider.ID(name)
		p, ok := e.providers[id]
		if !ok {
			e.logger.Debug("provider not configured, left out of chain", "op", string(op), "provider", name)
			continue
		}
		if !p.Supports(op) {
			e.logger.Warn("provider cannot serve operation, left out of chain", "op", string(op), "provider", name)
			continue
		}
		links = append(links, orchestrator.Link{Provider: p, Breaker: e.breakers[id], Retry: e.retryPolicy(id)})
	}
	return links
}

func (e *Engine) buildCache() (*cache.Cache[entry], error) {
	store := e.store
	if store == nil {
		var err error
		switch e.cfg.Cache.Store {
		case "bigcache":
			store, err = cache.NewBigcacheStore(cache.BigcacheConfig{
				LifeWindow:         e.longestTTL(),
				HardMaxCacheSizeMB: int(e.cfg.Cache.MaxCost >> 20),
			})
		default:
			store, err = cache.NewRistrettoStore(cache.RistrettoConfig{MaxCost: e.cfg.Cache.MaxCost})
		}
		if err != nil {
			return nil, fmt.Errorf("relay: cache store: %w", err)
		}
	}

	var codec cache.Codec[entry]
	switch e.cfg.Cache.Codec {
	case "cbor":
		c, err := cache.NewCBOR[entry]()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("relay: cache codec: %w", err)
		}
		codec = c
	default:
		codec = cache.Msgpack[entry]{}
	}
	return cache.New(store, codec, cache.WithClock(e.now), cache.WithLogger(e.logger))
}

func (e *Engine) longestTTL() time.Duration {
	t := e.cfg.Cache.TTL
	return max(t.Item, t.Search, t.Timeline)
}

// FetchOne returns a single item by id.
func (e *Engine) FetchOne(ctx context.Context, id string, opts FetchOptions) (*ItemResult, error) {
	ent, cached, err := e.run(ctx, provider.Request{Op: provider.OpItem, ItemID: id}, opts)
	if err != nil {
		return nil, err
	}
	out := &ItemResult{
		Item:      ent.Result.Items[0],
		Provider:  ent.Result.Provider,
		FetchedAt: ent.Result.FetchedAt.UTC(),
		Cached:    cached,
	}
	if len(ent.Proofs) > 0 {
		out.Proof = ent.Proofs[0]
	}
	return out, nil
}

// Search runs a full-text search. The deadline is carried by ctx.
func (e *Engine) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	req := provider.Request{Op: provider.OpSearch, Query: query, Limit: limit}
	ent, cached, err := e.run(ctx, req, FetchOptions{})
	if err != nil {
		return nil, err
	}
	norm, _ := normalize(req)
	return &SearchResult{
		Query:     norm.Query,
		Limit:     norm.Limit,
		Items:     nonNil(ent.Result.Items),
		Provider:  ent.Result.Provider,
		FetchedAt: ent.Result.FetchedAt.UTC(),
		Cached:    cached,
		Proofs:    ent.Proofs,
	}, nil
}

// Timeline returns a user's recent items. The deadline is carried by ctx.
func (e *Engine) Timeline(ctx context.Context, username string, limit int) (*TimelineResult, error) {
	req := provider.Request{Op: provider.OpTimeline, Username: username, Limit: limit}
	ent, cached, err := e.run(ctx, req, FetchOptions{})
	if err != nil {
		return nil, err
	}
	norm, _ := normalize(req)
	return &TimelineResult{
		Username:  norm.Username,
		Limit:     norm.Limit,
		Items:     nonNil(ent.Result.Items),
		Provider:  ent.Result.Provider,
		FetchedAt: ent.Result.FetchedAt.UTC(),
		Cached:    cached,
		Proofs:    ent.Proofs,
	}, nil
}

// run is the shared request path.
func (e *Engine) run(ctx context.Context, req provider.Request, opts FetchOptions) (*entry, bool, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, false, &Error{Op: req.Op, Err: err}
	}
	key := RequestKey(req)

	if !opts.Force {
		if ent, ok := e.lookup(ctx, key, opts); ok {
			return ent, true, nil
		}
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}
	res, err := e.orch.Execute(ctx, req, orchestrator.Options{Skip: opts.Skip, Only: opts.Provider})
	if err != nil {
		return nil, false, &Error{Op: req.Op, Key: key, Err: err}
	}
	if req.Op == provider.OpItem && len(res.Items) != 1 {
		return nil, false, &Error{Op: req.Op, Key: key,
			Err: provider.Errorf(res.Provider, provider.KindParse, "item lookup returned %d items", len(res.Items))}
	}

	ent := &entry{Result: *res}
	if e.cfg.Integrity.Enabled {
		ent.Proofs = e.prove(ctx, res.Items)
	}
	if err := e.cache.Set(ctx, key, *ent, e.cfg.TTL(req.Op)); err != nil {
		e.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
	return ent, false, nil
}

// lookup serves a live cache entry unless the request's overrides exclude
// the provider that produced it.
func (e *Engine) lookup(ctx context.Context, key string, opts FetchOptions) (*entry, bool) {
	ent, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.WarnContext(ctx, "cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	from := ent.Result.Provider
	if (opts.Provider != "" && opts.Provider != from) || slices.Contains(opts.Skip, from) {
		return nil, false
	}
	return &ent, true
}

// prove computes one proof per item and records each in the ledger. A
// failure leaves a nil proof for that item.
func (e *Engine) prove(ctx context.Context, items []provider.Item) []*integrity.Proof {
	proofs := make([]*integrity.Proof, len(items))
	for i, it := range items {
		p, err := integrity.Compute(it)
		if err != nil {
			e.logger.WarnContext(ctx, "integrity proof failed", "item", it.ID, "error", err)
			continue
		}
		proofs[i] = p
		if e.ledger != nil {
			if err := e.ledger.SaveProof(ctx, it, p); err != nil {
				e.logger.WarnContext(ctx, "ledger: proof not saved", "item", it.ID, "error", err)
			}
		}
	}
	return proofs
}

// VerifyIntegrity reports whether components reproduce rootHash and start
// with contentHash. It is pure: no provider is contacted.
func (e *Engine) VerifyIntegrity(contentHash, rootHash string, components []string) bool {
	return integrity.Verify(contentHash, rootHash, components)
}

// HealthSnapshot returns the breaker state of every configured provider.
func (e *Engine) HealthSnapshot() map[provider.ID]resilience.Snapshot {
	out := make(map[provider.ID]resilience.Snapshot, len(e.breakers))
	for id, b := range e.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// LookupProof returns the proof issued for contentHash, if the ledger has it.
func (e *Engine) LookupProof(ctx context.Context, contentHash string) (*ledger.ProofRecord, error) {
	if e.ledger == nil {
		return nil, ErrNoLedger
	}
	return e.ledger.LookupProof(ctx, contentHash)
}

// PoolStats reports scraper browser context usage.
type PoolStats struct {
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
}

// Status is the detailed health report served by the status endpoint.
type Status struct {
	Breakers map[provider.ID]resilience.Snapshot `json:"breakers"`
	Chains   map[provider.Operation][]provider.ID `json:"chains"`
	Mirrors  map[string]bool                      `json:"mirrors,omitempty"`
	Scraper  *PoolStats                           `json:"scraper,omitempty"`
	// Ledger aggregates the last hour of outcomes per provider.
	Ledger map[provider.ID]ledger.Stats `json:"ledger,omitempty"`
}

// Status gathers breaker, chain, mirror, pool and ledger health.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Breakers: e.HealthSnapshot(),
		Chains:   make(map[provider.Operation][]provider.ID),
	}
	for _, op := range []provider.Operation{provider.OpItem, provider.OpSearch, provider.OpTimeline} {
		st.Chains[op] = e.orch.Chain(op)
	}
	for _, p := range e.providers {
		switch v := p.(type) {
		case interface{ Health() map[string]bool }:
			st.Mirrors = v.Health()
		case interface{ Pool() *scraper.Pool }:
			idle, inUse := v.Pool().Stats()
			st.Scraper = &PoolStats{Idle: idle, InUse: inUse}
		}
	}
	if e.ledger != nil {
		stats, err := e.ledger.ProviderStats(ctx, e.now().Add(-time.Hour))
		if err != nil {
			return st, err
		}
		st.Ledger = stats
	}
	return st, nil
}

// Close releases providers, the cache store and the ledger.
func (e *Engine) Close() error {
	if e.stop != nil {
		e.stop()
	}
	var errs []error
	for _, c := range e.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nonNil(items []provider.Item) []provider.Item {
	if items == nil {
		return []provider.Item{}
	}
	return items
}
