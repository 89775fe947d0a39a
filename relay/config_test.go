package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/xrelay/provider"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Chains["timeline"]; len(got) != 2 || got[0] != "mirror" {
		t.Fatalf("timeline chain: %v", got)
	}
	if cfg.TTL(provider.OpSearch) != 5*time.Minute || cfg.TTL("bogus") != 0 {
		t.Fatal("TTL lookup")
	}
}

func TestParseConfig_Overrides(t *testing.T) {
	t.Setenv("XRELAY_TEST_KEY", "secret")
	cfg, err := ParseConfig([]byte(`
providers:
  api:
    endpoint: https://api.example.com
    api_key: ${XRELAY_TEST_KEY}
    timeout: 3s
  mirror:
    instances: [https://nitter.example.net]
chains:
  item: [scraper, api]
breaker:
  threshold: 3
cache:
  store: bigcache
  codec: cbor
  ttl:
    item: 10m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.API.APIKey != "secret" || cfg.Providers.API.Timeout != 3*time.Second {
		t.Fatalf("api: %+v", cfg.Providers.API)
	}
	if got := cfg.Chains["item"]; len(got) != 2 || got[0] != "scraper" {
		t.Fatalf("item chain: %v", got)
	}
	// Chains the file does not mention keep their defaults.
	if got := cfg.Chains["search"]; len(got) != 1 || got[0] != "api" {
		t.Fatalf("search chain: %v", got)
	}
	if cfg.Breaker.Threshold != 3 || cfg.Breaker.Window != 20 {
		t.Fatalf("breaker: %+v", cfg.Breaker)
	}
	if cfg.Cache.TTL.Item != 10*time.Minute || cfg.Cache.TTL.Timeline != 30*time.Minute {
		t.Fatalf("ttl: %+v", cfg.Cache.TTL)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown op", "chains:\n  lookup: [api]\n", "unknown operation"},
		{"unknown provider", "chains:\n  item: [api, proxy]\n", "unknown provider"},
		{"duplicate", "chains:\n  item: [api, api]\n", "listed twice"},
		{"ratio", "breaker:\n  failure_ratio: 1.5\n", "failure_ratio"},
		{"min calls", "breaker:\n  window: 5\n  min_calls: 6\n", "min_calls"},
		{"jitter", "retry:\n  jitter: 2\n", "jitter"},
		{"store", "cache:\n  store: redis\n", "cache.store"},
		{"codec", "cache:\n  codec: gob\n", "cache.codec"},
		{"ttl", "cache:\n  ttl:\n    item: -1s\n", "cache.ttl"},
		{"sink", "log:\n  outcome_sink: syslog\n", "outcome_sink"},
		{"yaml", "chains: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ProgrammaticBreaker(t *testing.T) {
	// WHAT: A Config built in code is checked for a usable breaker.
	// WHY: relay.New never runs applyDefaults, so a zero threshold would
	// otherwise open the breaker on the first failure.
	cfg := DefaultConfig()
	cfg.Breaker.Threshold = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "breaker.threshold") {
		t.Fatalf("expected threshold error, got %v", err)
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("New should reject a zero threshold")
	}

	cfg = DefaultConfig()
	cfg.Breaker.ResetTimeout = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "reset_timeout") {
		t.Fatalf("expected reset_timeout error, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.Breaker.FailureRatio = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("ratio 0 disables the ratio check: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xrelay.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("listen: %q", cfg.Listen)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestRequestKey(t *testing.T) {
	a := RequestKey(provider.Request{Op: provider.OpSearch, Query: normalizeQuery("  Hello   World "), Limit: 20})
	b := RequestKey(provider.Request{Op: provider.OpSearch, Query: "hello world", Limit: 20})
	c := RequestKey(provider.Request{Op: provider.OpSearch, Query: "hello world", Limit: 21})
	if a != b || a == c || !strings.HasPrefix(a, "search:") {
		t.Fatalf("search keys: %s %s %s", a, b, c)
	}
	if k := RequestKey(provider.Request{Op: provider.OpTimeline, Username: "Jack", Limit: 5}); k != "timeline:jack:5" {
		t.Fatalf("timeline key: %s", k)
	}
	if k := RequestKey(provider.Request{Op: provider.OpItem, ItemID: "20"}); k != "item:20" {
		t.Fatalf("item key: %s", k)
	}
}
