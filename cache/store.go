package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
	rc "github.com/dgraph-io/ristretto"
)

// ErrRejected is returned when a store drops a write under memory pressure.
var ErrRejected = errors.New("cache: write rejected by store")

// Store is a minimal byte store. It must be safe for concurrent use and
// byte-for-byte transparent: Get returns exactly what Set stored. The ttl
// passed to Set is a hint for eviction; expiry is decided by Cache on read.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// RistrettoConfig sizes a RistrettoStore. Cost is the entry size in bytes.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// RistrettoStore is a Store backed by dgraph-io/ristretto.
type RistrettoStore struct {
	c *rc.Cache
}

// NewRistrettoStore creates a store. Zero fields get defaults sized for
// roughly 64 MiB of entries.
func NewRistrettoStore(cfg RistrettoConfig) (*RistrettoStore, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e5
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoStore{c: c}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set stores value and waits for ristretto's write buffer to drain, so the
// entry is visible to the next Get.
func (s *RistrettoStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return ErrRejected
	}
	s.c.Wait()
	return nil
}

func (s *RistrettoStore) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

func (s *RistrettoStore) Close() error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// BigcacheConfig sizes a BigcacheStore. LifeWindow must cover the longest TTL
// in use: bigcache evicts on a global window, not per entry.
type BigcacheConfig struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntrySize       int
	HardMaxCacheSizeMB int
}

// BigcacheStore is a Store backed by allegro/bigcache.
type BigcacheStore struct {
	c *bc.BigCache
}

// NewBigcacheStore creates a store with bigcache defaults for LifeWindow.
func NewBigcacheStore(cfg BigcacheConfig) (*BigcacheStore, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = time.Hour
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	conf.Verbose = false
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &BigcacheStore{c: c}, nil
}

func (s *BigcacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set ignores ttl; bigcache only supports the global LifeWindow.
func (s *BigcacheStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	return s.c.Set(key, value)
}

func (s *BigcacheStore) Del(_ context.Context, key string) error {
	err := s.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (s *BigcacheStore) Close() error {
	return s.c.Close()
}

// MapStore is an unbounded in-process Store for tests and tiny deployments.
type MapStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMapStore() *MapStore { return &MapStore{m: make(map[string][]byte)} }

func (s *MapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[key]
	return b, ok, nil
}

func (s *MapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *MapStore) Close() error { return nil }
