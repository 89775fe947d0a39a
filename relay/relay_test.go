package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/xrelay/cache"
	"github.com/hazyhaar/xrelay/orchestrator"
	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/resilience"
)

type fakeProvider struct {
	id    provider.ID
	ops   []provider.Operation
	calls atomic.Int32
	fetch func(ctx context.Context, req provider.Request, n int) (*provider.Result, error)
}

func (f *fakeProvider) ID() provider.ID { return f.id }

func (f *fakeProvider) Supports(op provider.Operation) bool {
	if len(f.ops) == 0 {
		return true
	}
	for _, o := range f.ops {
		if o == op {
			return true
		}
	}
	return false
}

func (f *fakeProvider) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	return f.fetch(ctx, req, int(f.calls.Add(1)))
}

func serve(id provider.ID, text string) func(context.Context, provider.Request, int) (*provider.Result, error) {
	return func(_ context.Context, req provider.Request, _ int) (*provider.Result, error) {
		var items []provider.Item
		switch req.Op {
		case provider.OpItem:
			items = append(items, provider.NewItem(req.ItemID, map[string]any{"text": text}, id, epoch))
		default:
			for _, itemID := range []string{"1", "2"} {
				items = append(items, provider.NewItem(itemID, map[string]any{"text": text}, id, epoch))
			}
		}
		return &provider.Result{Items: items, FetchedAt: epoch}, nil
	}
}

func fail(kind provider.ErrorKind) func(context.Context, provider.Request, int) (*provider.Result, error) {
	return func(context.Context, provider.Request, int) (*provider.Result, error) {
		return nil, provider.Errorf("fake", kind, "injected")
	}
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	out []orchestrator.Outcome
}

func (r *recorder) RecordOutcome(_ context.Context, o orchestrator.Outcome) {
	r.mu.Lock()
	r.out = append(r.out, o)
	r.mu.Unlock()
}

func (r *recorder) all() []orchestrator.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orchestrator.Outcome(nil), r.out...)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Retry.Jitter = 0
	return cfg
}

type harness struct {
	eng   *Engine
	clock *clock
	sink  *recorder
}

func newEngine(t *testing.T, cfg *Config, ps ...provider.Provider) *harness {
	t.Helper()
	h := &harness{clock: &clock{t: epoch.Add(time.Minute)}, sink: &recorder{}}
	eng, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(h.clock.Now),
		WithProviders(ps...),
		WithStore(cache.NewMapStore()),
		WithSink(h.sink),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	h.eng = eng
	return h
}

func TestFetchOne_CacheHitShortCircuits(t *testing.T) {
	// WHAT: A live cache entry is served without touching any provider.
	// WHY: The cache exists to shield providers from repeated lookups; a hit
	// must also return the proof issued on the original fetch.
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "hello")}
	h := newEngine(t, testConfig(), apiP)
	ctx := context.Background()

	first, err := h.eng.FetchOne(ctx, "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || first.Provider != provider.API || first.Proof == nil {
		t.Fatalf("first: %+v", first)
	}

	second, err := h.eng.FetchOne(ctx, "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Fatal("second lookup should be served from cache")
	}
	if n := apiP.calls.Load(); n != 1 {
		t.Fatalf("provider calls: %d", n)
	}
	if second.Proof.RootHash != first.Proof.RootHash {
		t.Fatal("cached proof differs from the issued one")
	}
	if !second.Proof.Matches(second.Item) {
		t.Fatal("cached item no longer matches its proof")
	}
}

func TestFetchOne_FirstSuccessStopsChain(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "a")}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: serve(provider.Scraper, "s")}
	h := newEngine(t, testConfig(), apiP, scr)

	res, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != provider.API || scr.calls.Load() != 0 {
		t.Fatalf("provider=%s scraper calls=%d", res.Provider, scr.calls.Load())
	}
}

func TestFetchOne_FallsBackAfterExhaustedRetries(t *testing.T) {
	// WHAT: Three Unavailable attempts on the API move the request to the
	// scraper, which answers.
	apiP := &fakeProvider{id: provider.API, fetch: fail(provider.KindUnavailable)}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: serve(provider.Scraper, "s")}
	h := newEngine(t, testConfig(), apiP, scr)

	res, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != provider.Scraper || res.Item.Provider != provider.Scraper {
		t.Fatalf("winner: %s", res.Provider)
	}
	if n := apiP.calls.Load(); n != 3 {
		t.Fatalf("api calls: %d", n)
	}

	out := h.sink.all()
	if len(out) != 2 {
		t.Fatalf("outcomes: %+v", out)
	}
	if out[0].Provider != provider.API || out[0].Succeeded || out[0].Attempts != 3 || out[0].Kind != provider.KindUnavailable {
		t.Fatalf("api outcome: %+v", out[0])
	}
	if out[1].Provider != provider.Scraper || !out[1].Succeeded {
		t.Fatalf("scraper outcome: %+v", out[1])
	}
	if snap := h.eng.HealthSnapshot()[provider.API]; snap.ConsecutiveFailures != 1 {
		t.Fatalf("one exhausted retry is one breaker failure: %+v", snap)
	}
}

func TestFetchOne_TimeoutsThenSuccess(t *testing.T) {
	// WHAT: Two timeouts followed by a success count as one healthy call and
	// the result is cached.
	apiP := &fakeProvider{id: provider.API, fetch: func(ctx context.Context, req provider.Request, n int) (*provider.Result, error) {
		if n <= 2 {
			return nil, provider.Errorf(provider.API, provider.KindTimeout, "slow")
		}
		return serve(provider.API, "ok")(ctx, req, n)
	}}
	h := newEngine(t, testConfig(), apiP)
	ctx := context.Background()

	if _, err := h.eng.FetchOne(ctx, "20", FetchOptions{}); err != nil {
		t.Fatal(err)
	}
	snap := h.eng.HealthSnapshot()[provider.API]
	if snap.State != resilience.BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("breaker: %+v", snap)
	}
	res, err := h.eng.FetchOne(ctx, "20", FetchOptions{})
	if err != nil || !res.Cached {
		t.Fatalf("expected cached result, got %+v %v", res, err)
	}
}

func TestFetchOne_BreakerOpensAndChainMovesOn(t *testing.T) {
	// WHAT: Five consecutive failures open the API breaker; the next request
	// goes straight to the scraper without calling the API.
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	apiP := &fakeProvider{id: provider.API, fetch: fail(provider.KindUnavailable)}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: serve(provider.Scraper, "s")}
	h := newEngine(t, cfg, apiP, scr)
	ctx := context.Background()

	for range 5 {
		if _, err := h.eng.FetchOne(ctx, "20", FetchOptions{Force: true}); err != nil {
			t.Fatal(err)
		}
	}
	if st := h.eng.HealthSnapshot()[provider.API].State; st != resilience.BreakerOpen {
		t.Fatalf("api breaker: %s", st)
	}

	before := len(h.sink.all())
	res, err := h.eng.FetchOne(ctx, "20", FetchOptions{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != provider.Scraper || apiP.calls.Load() != 5 {
		t.Fatalf("provider=%s api calls=%d", res.Provider, apiP.calls.Load())
	}
	out := h.sink.all()[before]
	if out.Provider != provider.API || out.Kind != provider.KindCircuitOpen || out.Attempts != 0 {
		t.Fatalf("rejected outcome: %+v", out)
	}

	// After the reset timeout a single trial goes through and closes it.
	apiP.fetch = serve(provider.API, "back")
	h.clock.Advance(cfg.Breaker.ResetTimeout)
	res, err = h.eng.FetchOne(ctx, "20", FetchOptions{Force: true})
	if err != nil || res.Provider != provider.API {
		t.Fatalf("trial: %+v %v", res, err)
	}
	if st := h.eng.HealthSnapshot()[provider.API].State; st != resilience.BreakerClosed {
		t.Fatalf("api breaker after trial: %s", st)
	}
}

func TestFetchOne_NotFoundDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	apiP := &fakeProvider{id: provider.API, fetch: fail(provider.KindNotFound)}
	h := newEngine(t, cfg, apiP)

	for range 10 {
		_, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
		if provider.KindOf(err) != provider.KindNotFound {
			t.Fatalf("expected NotFound, got %v", err)
		}
	}
	if n := apiP.calls.Load(); n != 10 {
		t.Fatalf("NotFound must not be retried: %d calls", n)
	}
	if snap := h.eng.HealthSnapshot()[provider.API]; snap.State != resilience.BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("breaker: %+v", snap)
	}
}

func TestFetchOne_ZeroTTLNeverHits(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.TTL.Item = 0
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "x")}
	h := newEngine(t, cfg, apiP)

	for range 3 {
		res, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
		if err != nil || res.Cached {
			t.Fatalf("ttl=0 served %+v %v", res, err)
		}
	}
	if n := apiP.calls.Load(); n != 3 {
		t.Fatalf("calls: %d", n)
	}
}

func TestFetchOne_ExpiredEntryIsRefetched(t *testing.T) {
	cfg := testConfig()
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "x")}
	h := newEngine(t, cfg, apiP)
	ctx := context.Background()

	h.eng.FetchOne(ctx, "20", FetchOptions{})
	h.clock.Advance(cfg.Cache.TTL.Item - time.Second)
	if res, _ := h.eng.FetchOne(ctx, "20", FetchOptions{}); !res.Cached {
		t.Fatal("entry should still be live")
	}
	h.clock.Advance(time.Second)
	if res, _ := h.eng.FetchOne(ctx, "20", FetchOptions{}); res.Cached {
		t.Fatal("entry at exactly ttl must be expired")
	}
	if n := apiP.calls.Load(); n != 2 {
		t.Fatalf("calls: %d", n)
	}
}

func TestFetchOne_ForceBypassesAndRefreshesCache(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "v1")}
	h := newEngine(t, testConfig(), apiP)
	ctx := context.Background()

	h.eng.FetchOne(ctx, "20", FetchOptions{})
	apiP.fetch = serve(provider.API, "v2")
	forced, err := h.eng.FetchOne(ctx, "20", FetchOptions{Force: true})
	if err != nil || forced.Cached || forced.Item.Payload["text"] != "v2" {
		t.Fatalf("forced: %+v %v", forced, err)
	}
	again, _ := h.eng.FetchOne(ctx, "20", FetchOptions{})
	if !again.Cached || again.Item.Payload["text"] != "v2" {
		t.Fatalf("cache not refreshed: %+v", again)
	}
}

func TestFetchOne_ProviderOverride(t *testing.T) {
	// WHAT: A provider override restricts the chain and ignores cached
	// entries produced by another provider.
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "a")}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: serve(provider.Scraper, "s")}
	h := newEngine(t, testConfig(), apiP, scr)
	ctx := context.Background()

	h.eng.FetchOne(ctx, "20", FetchOptions{})
	res, err := h.eng.FetchOne(ctx, "20", FetchOptions{Provider: provider.Scraper})
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || res.Provider != provider.Scraper || apiP.calls.Load() != 1 {
		t.Fatalf("override: %+v api calls=%d", res, apiP.calls.Load())
	}

	res, err = h.eng.FetchOne(ctx, "21", FetchOptions{Skip: []provider.ID{provider.API}})
	if err != nil || res.Provider != provider.Scraper {
		t.Fatalf("skip: %+v %v", res, err)
	}
}

func TestFetchOne_AllProvidersFailed(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: fail(provider.KindRateLimited)}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: fail(provider.KindParse)}
	h := newEngine(t, testConfig(), apiP, scr)

	_, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Op != provider.OpItem || rerr.Key != "item:20" {
		t.Fatalf("expected *relay.Error, got %v", err)
	}
	var all *orchestrator.AllProvidersFailed
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailed, got %v", err)
	}
	if got := rerr.Providers(); len(got) != 2 || got[0] != provider.API || got[1] != provider.Scraper {
		t.Fatalf("providers: %v", got)
	}
	if att := rerr.Attempts(); att[0].Kind != provider.KindRateLimited || att[1].Kind != provider.KindParse {
		t.Fatalf("attempts: %+v", att)
	}
	if scr.calls.Load() != 1 {
		t.Fatalf("parse errors are not retried: %d", scr.calls.Load())
	}
}

func TestFetchOne_Deadline(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: func(ctx context.Context, _ provider.Request, _ int) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	scr := &fakeProvider{id: provider.Scraper, ops: []provider.Operation{provider.OpItem}, fetch: serve(provider.Scraper, "s")}
	h := newEngine(t, testConfig(), apiP, scr)

	start := time.Now()
	_, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{Deadline: 30 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("deadline not honoured")
	}
	if scr.calls.Load() != 0 {
		t.Fatal("an expired request must not move on to the next provider")
	}
}

func TestSearch_FailsFast(t *testing.T) {
	// WHAT: The search chain has no fallback; other providers are never
	// consulted even when configured.
	apiP := &fakeProvider{id: provider.API, fetch: fail(provider.KindUnavailable)}
	mir := &fakeProvider{id: provider.Mirror, fetch: serve(provider.Mirror, "m")}
	h := newEngine(t, testConfig(), apiP, mir)

	_, err := h.eng.Search(context.Background(), "golang", 10)
	var rerr *Error
	if !errors.As(err, &rerr) || len(rerr.Providers()) != 1 {
		t.Fatalf("search error: %v", err)
	}
	if mir.calls.Load() != 0 {
		t.Fatal("mirror must not serve search")
	}
}

func TestSearch_NormalizedKeyShared(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "r")}
	h := newEngine(t, testConfig(), apiP)
	ctx := context.Background()

	res, err := h.eng.Search(ctx, "  Go   Lang ", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != defaultLimit || len(res.Items) != 2 || len(res.Proofs) != 2 {
		t.Fatalf("search: %+v", res)
	}
	again, err := h.eng.Search(ctx, "go lang", 20)
	if err != nil || !again.Cached {
		t.Fatalf("normalized query should hit the cache: %+v %v", again, err)
	}
}

func TestTimeline_MirrorThenAPI(t *testing.T) {
	mir := &fakeProvider{id: provider.Mirror, ops: []provider.Operation{provider.OpTimeline}, fetch: fail(provider.KindUnavailable)}
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "t")}
	h := newEngine(t, testConfig(), apiP, mir)

	res, err := h.eng.Timeline(context.Background(), "@Jack", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != provider.API || res.Username != "Jack" || res.Limit != 5 {
		t.Fatalf("timeline: %+v", res)
	}
	if mir.calls.Load() != 3 {
		t.Fatalf("mirror calls: %d", mir.calls.Load())
	}
	again, _ := h.eng.Timeline(context.Background(), "jack", 5)
	if !again.Cached {
		t.Fatal("username case should not split the cache")
	}
}

func TestInvalidRequests(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "x")}
	h := newEngine(t, testConfig(), apiP)
	ctx := context.Background()

	calls := []func() error{
		func() error { _, err := h.eng.FetchOne(ctx, "", FetchOptions{}); return err },
		func() error { _, err := h.eng.FetchOne(ctx, "12a", FetchOptions{}); return err },
		func() error { _, err := h.eng.Search(ctx, "   ", 10); return err },
		func() error { _, err := h.eng.Search(ctx, "ok", 101); return err },
		func() error { _, err := h.eng.Search(ctx, "ok", -1); return err },
		func() error { _, err := h.eng.Timeline(ctx, "no spaces", 10); return err },
	}
	for i, call := range calls {
		if err := call(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
	if apiP.calls.Load() != 0 {
		t.Fatal("invalid requests must not reach providers")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	apiP := &fakeProvider{id: provider.API, fetch: serve(provider.API, "proof me")}
	h := newEngine(t, testConfig(), apiP)

	res, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := res.Proof
	if !h.eng.VerifyIntegrity(p.ContentHash, p.RootHash, p.Components) {
		t.Fatal("issued proof should verify")
	}

	tampered := append([]string(nil), p.Components...)
	tampered[2] = tampered[1]
	if h.eng.VerifyIntegrity(p.ContentHash, p.RootHash, tampered) {
		t.Fatal("tampered components verified")
	}
	if h.eng.VerifyIntegrity("sha256:00", p.RootHash, p.Components) {
		t.Fatal("mismatched content hash verified")
	}
	if h.eng.VerifyIntegrity(p.ContentHash, p.RootHash, nil) {
		t.Fatal("empty components verified")
	}
}

func TestIntegrityDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Integrity.Enabled = false
	h := newEngine(t, cfg, &fakeProvider{id: provider.API, fetch: serve(provider.API, "x")})

	res, err := h.eng.FetchOne(context.Background(), "20", FetchOptions{})
	if err != nil || res.Proof != nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestUnconfiguredProvidersLeftOut(t *testing.T) {
	h := newEngine(t, testConfig(), &fakeProvider{id: provider.API, fetch: serve(provider.API, "x")})

	st, err := h.eng.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Chains[provider.OpItem]; len(got) != 1 || got[0] != provider.API {
		t.Fatalf("item chain: %v", got)
	}
	if got := st.Chains[provider.OpTimeline]; len(got) != 1 || got[0] != provider.API {
		t.Fatalf("timeline chain: %v", got)
	}
	if _, ok := st.Breakers[provider.Scraper]; ok {
		t.Fatal("no breaker for an unconfigured provider")
	}
	if _, err := h.eng.LookupProof(context.Background(), "sha256:00"); !errors.Is(err, ErrNoLedger) {
		t.Fatalf("expected ErrNoLedger, got %v", err)
	}
}

func TestNoChainConfigured(t *testing.T) {
	h := newEngine(t, testConfig(), &fakeProvider{id: provider.Mirror, ops: []provider.Operation{provider.OpTimeline}, fetch: serve(provider.Mirror, "m")})

	_, err := h.eng.Search(context.Background(), "go", 10)
	if !errors.Is(err, orchestrator.ErrNoChain) {
		t.Fatalf("expected ErrNoChain, got %v", err)
	}
}

func TestLedgerIntegration(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	h := newEngine(t, cfg, &fakeProvider{id: provider.API, fetch: serve(provider.API, "kept")})
	ctx := context.Background()

	res, err := h.eng.FetchOne(ctx, "20", FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := h.eng.LookupProof(ctx, res.Proof.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ItemID != "20" || rec.Proof.RootHash != res.Proof.RootHash {
		t.Fatalf("record: %+v", rec)
	}
}
