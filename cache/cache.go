// Package cache is a single-process TTL cache keyed by request fingerprint.
//
// Values are encoded by a Codec and wrapped in a small envelope carrying the
// write time and TTL, then handed to a byte Store (ristretto, bigcache or an
// in-process map). Expiry is checked lazily on every read against the
// injected clock, so a value is never returned after its TTL has elapsed even
// if the store has not evicted it yet.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Error wraps a store or codec failure. Callers treat it as a miss.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cache is a typed TTL cache over a Store. Safe for concurrent use as long as
// the Store is.
type Cache[V any] struct {
	store  Store
	codec  Codec[V]
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// WithLogger sets the logger used for self-healing deletes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a Cache. A nil codec defaults to Msgpack.
func New[V any](store Store, codec Codec[V], opts ...Option) (*Cache[V], error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if codec == nil {
		codec = Msgpack[V]{}
	}
	o := options{now: time.Now, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Cache[V]{store: store, codec: codec, now: o.now, logger: o.logger}, nil
}

// Get returns the value stored under key if it is still live. Expired and
// corrupt entries are deleted and reported as a miss; corrupt ones also
// return *Error.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return zero, false, &Error{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return zero, false, nil
	}

	storedAt, ttl, payload, err := decodeEnvelope(raw)
	if err != nil {
		c.drop(ctx, key, "corrupt envelope")
		return zero, false, &Error{Op: "get", Key: key, Err: err}
	}
	if expired(c.now(), storedAt, ttl) {
		c.drop(ctx, key, "expired")
		return zero, false, nil
	}

	v, err := c.codec.Decode(payload)
	if err != nil {
		c.drop(ctx, key, "undecodable payload")
		return zero, false, &Error{Op: "decode", Key: key, Err: err}
	}
	return v, true, nil
}

// Set stores v under key for ttl, replacing any previous entry wholesale.
// A ttl <= 0 removes the key instead: such a value could never be served.
func (c *Cache[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}
	payload, err := c.codec.Encode(v)
	if err != nil {
		return &Error{Op: "encode", Key: key, Err: err}
	}
	if err := c.store.Set(ctx, key, encodeEnvelope(c.now(), ttl, payload), ttl); err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes key.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	if err := c.store.Del(ctx, key); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Close releases the underlying store.
func (c *Cache[V]) Close() error {
	return c.store.Close()
}

func (c *Cache[V]) drop(ctx context.Context, key, reason string) {
	if err := c.store.Del(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "cache: drop entry failed", "key", key, "reason", reason, "error", err)
		return
	}
	c.logger.DebugContext(ctx, "cache: dropped entry", "key", key, "reason", reason)
}
