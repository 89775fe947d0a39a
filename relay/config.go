package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/xrelay/provider"
)

// Config holds the full engine configuration.
type Config struct {
	Listen    string              `yaml:"listen"`
	Providers ProvidersConfig     `yaml:"providers"`
	Chains    map[string][]string `yaml:"chains"`
	Breaker   BreakerConfig       `yaml:"breaker"`
	Retry     RetryConfig         `yaml:"retry"`
	Cache     CacheConfig         `yaml:"cache"`
	Integrity IntegrityConfig     `yaml:"integrity"`
	Ledger    LedgerConfig        `yaml:"ledger"`
	Log       LogConfig           `yaml:"log"`
}

// ProvidersConfig configures the three sources. A source with no endpoint,
// no instances or enabled=false is left out of every chain.
type ProvidersConfig struct {
	API     APIConfig     `yaml:"api"`
	Scraper ScraperConfig `yaml:"scraper"`
	Mirror  MirrorConfig  `yaml:"mirror"`
}

type APIConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	APIKey        string            `yaml:"api_key"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       time.Duration     `yaml:"timeout"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Burst         int               `yaml:"burst"`
	ItemPath      string            `yaml:"item_path"`
	ListPath      string            `yaml:"list_path"`
	IDField       string            `yaml:"id_field"`
	MaxAttempts   int               `yaml:"max_attempts"`
}

type ScraperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	RemoteURL          string        `yaml:"remote_url"`
	BaseURL            string        `yaml:"base_url"`
	MaxContexts        int           `yaml:"max_contexts"`
	Timeout            time.Duration `yaml:"timeout"`
	CaptureScreenshots bool          `yaml:"capture_screenshots"`
	MaxAttempts        int           `yaml:"max_attempts"`
}

type MirrorConfig struct {
	Instances     []string      `yaml:"instances"`
	Timeout       time.Duration `yaml:"timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	CanonicalBase string        `yaml:"canonical_base"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// BreakerConfig is shared by every provider's breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	Window       int           `yaml:"window"`
	MinCalls     int           `yaml:"min_calls"`
	FailureRatio float64       `yaml:"failure_ratio"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RetryConfig is the default retry policy; providers may override
// max_attempts.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

type CacheConfig struct {
	Store   string    `yaml:"store"` // ristretto | bigcache
	Codec   string    `yaml:"codec"` // msgpack | cbor
	MaxCost int64     `yaml:"max_cost"`
	TTL     TTLConfig `yaml:"ttl"`
}

// TTLConfig sets the cache lifetime per operation. Zero disables caching for
// that operation.
type TTLConfig struct {
	Item     time.Duration `yaml:"item"`
	Search   time.Duration `yaml:"search"`
	Timeline time.Duration `yaml:"timeline"`
}

type IntegrityConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LedgerConfig struct {
	// Path of the SQLite file. Empty disables the ledger.
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	OutcomeSink string `yaml:"outcome_sink"` // slog | zap | logrus
}

// DefaultConfig returns sane defaults. No provider is configured.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":3000",
		Providers: ProvidersConfig{
			API:     APIConfig{Timeout: 10 * time.Second, RatePerSecond: 5, Burst: 5, IDField: "id"},
			Scraper: ScraperConfig{BaseURL: "https://x.com", MaxContexts: 3, Timeout: 30 * time.Second, MaxAttempts: 1},
			Mirror:  MirrorConfig{Timeout: 5 * time.Second, HealthTimeout: 2 * time.Second, CanonicalBase: "https://x.com"},
		},
		Chains: map[string][]string{
			string(provider.OpItem):     {string(provider.API), string(provider.Scraper)},
			string(provider.OpSearch):   {string(provider.API)},
			string(provider.OpTimeline): {string(provider.Mirror), string(provider.API)},
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			Window:       20,
			MinCalls:     10,
			FailureRatio: 0.5,
			ResetTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Cache: CacheConfig{
			Store:   "ristretto",
			Codec:   "msgpack",
			MaxCost: 64 << 20,
			TTL:     TTLConfig{Item: time.Hour, Search: 5 * time.Minute, Timeline: 30 * time.Minute},
		},
		Integrity: IntegrityConfig{Enabled: true},
		Ledger:    LedgerConfig{RetentionDays: 30},
		Log:       LogConfig{Level: "info", OutcomeSink: "slog"},
	}
}

// LoadConfig reads a YAML file, expands ${ENV_VAR} references, and merges it
// over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes over DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// applyDefaults fills values the file zeroed out that have no meaningful
// zero.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = d.Breaker.Threshold
	}
	if c.Breaker.Window <= 0 {
		c.Breaker.Window = d.Breaker.Window
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = d.Breaker.ResetTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.Cache.Store == "" {
		c.Cache.Store = d.Cache.Store
	}
	if c.Cache.Codec == "" {
		c.Cache.Codec = d.Cache.Codec
	}
	if c.Cache.MaxCost <= 0 {
		c.Cache.MaxCost = d.Cache.MaxCost
	}
	if c.Log.OutcomeSink == "" {
		c.Log.OutcomeSink = d.Log.OutcomeSink
	}
}

// Validate checks that values are sane and that chains name known providers
// and operations.
func (c *Config) Validate() error {
	for op, chain := range c.Chains {
		if !provider.Operation(op).Valid() {
			return fmt.Errorf("chains: unknown operation %q (use item, search or timeline)", op)
		}
		seen := make(map[string]bool, len(chain))
		for _, id := range chain {
			switch provider.ID(id) {
			case provider.API, provider.Scraper, provider.Mirror:
			default:
				return fmt.Errorf("chains.%s: unknown provider %q (use api, scraper or mirror)", op, id)
			}
			if seen[id] {
				return fmt.Errorf("chains.%s: provider %q listed twice", op, id)
			}
			seen[id] = true
		}
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be > 0")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker.reset_timeout must be > 0")
	}
	// 0 disables the ratio check; consecutive failures still trip.
	if r := c.Breaker.FailureRatio; r < 0 || r > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in [0,1]")
	}
	if c.Breaker.MinCalls < 0 || c.Breaker.MinCalls > c.Breaker.Window {
		return fmt.Errorf("breaker.min_calls must be in [0, window]")
	}
	if j := c.Retry.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("retry.jitter must be in [0,1]")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	switch c.Cache.Store {
	case "ristretto", "bigcache":
	default:
		return fmt.Errorf("cache.store: unsupported %q (use ristretto or bigcache)", c.Cache.Store)
	}
	switch c.Cache.Codec {
	case "msgpack", "cbor":
	default:
		return fmt.Errorf("cache.codec: unsupported %q (use msgpack or cbor)", c.Cache.Codec)
	}
	if c.Cache.TTL.Item < 0 || c.Cache.TTL.Search < 0 || c.Cache.TTL.Timeline < 0 {
		return fmt.Errorf("cache.ttl values must be >= 0")
	}
	switch c.Log.OutcomeSink {
	case "slog", "zap", "logrus":
	default:
		return fmt.Errorf("log.outcome_sink: unsupported %q (use slog, zap or logrus)", c.Log.OutcomeSink)
	}
	if c.Ledger.RetentionDays < 0 {
		return fmt.Errorf("ledger.retention_days must be >= 0")
	}
	return nil
}

// TTL returns the cache lifetime configured for op.
func (c *Config) TTL(op provider.Operation) time.Duration {
	switch op {
	case provider.OpItem:
		return c.Cache.TTL.Item
	case provider.OpSearch:
		return c.Cache.TTL.Search
	case provider.OpTimeline:
		return c.Cache.TTL.Timeline
	}
	return 0
}
