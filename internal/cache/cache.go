// Package cache layers read-through result caching over the relational
// store. Two flavors exist: a TTL cache for expensive analysis results and
// a durable cache for upstream catalog data that only changes when the
// upstream does.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimblecart/ghostwriter/internal/store"
)

// AnalysisTTL is how long a storefront analysis stays servable.
const AnalysisTTL = 7 * 24 * time.Hour

const (
	// PrefixAnalysis namespaces storefront analysis entries.
	PrefixAnalysis = "analysis:"
	// PrefixCatalog namespaces durable catalog entries.
	PrefixCatalog = "catalog:"
)

// Backend is the slice of the store the TTL cache uses.
type Backend interface {
	GetCacheEntry(ctx context.Context, key string) (store.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry store.CacheEntry) error
}

// DurableBackend extends Backend with the batch and listing operations a
// per-key durable snapshot needs.
type DurableBackend interface {
	Backend
	UpsertCacheEntries(ctx context.Context, entries []store.CacheEntry) error
	ListCacheEntriesByPrefix(ctx context.Context, prefix string) ([]store.CacheEntry, error)
}

// TTL is a read-through cache whose entries expire after a fixed
// duration. Expired rows are overwritten in place on the next fill, so
// the table never grows past one row per key.
type TTL struct {
	backend Backend
	prefix  string
	ttl     time.Duration
	now     func() time.Time
}

// NewTTL builds a TTL cache over backend. prefix namespaces the keys.
func NewTTL(backend Backend, prefix string, ttl time.Duration) *TTL {
	return &TTL{backend: backend, prefix: prefix, ttl: ttl, now: time.Now}
}

// WithClock replaces the cache's clock. Tests only.
func (c *TTL) WithClock(now func() time.Time) *TTL {
	c.now = now
	return c
}

// GetOrFill returns the cached payload for key when a live entry exists,
// otherwise runs fill, stores the result, and returns it. The bool
// reports whether the result came from cache.
func (c *TTL) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	full := c.prefix + key
	entry, err := c.backend.GetCacheEntry(ctx, full)
	switch {
	case err == nil:
		if c.now().Before(entry.ExpiresAt) {
			return entry.Payload, true, nil
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("reading cache entry %s: %w", full, err)
	}

	payload, err := fill(ctx)
	if err != nil {
		return nil, false, err
	}
	now := c.now()
	stored := store.CacheEntry{
		Key:       full,
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.backend.UpsertCacheEntry(ctx, stored); err != nil {
		return nil, false, fmt.Errorf("storing cache entry %s: %w", full, err)
	}
	return payload, false, nil
}

// Get returns the live cached payload for key without filling. An absent
// or expired entry reports found == false; expiry is judged the same way
// GetOrFill judges it.
func (c *TTL) Get(ctx context.Context, key string) (payload json.RawMessage, found bool, err error) {
	full := c.prefix + key
	entry, err := c.backend.GetCacheEntry(ctx, full)
	switch {
	case err == nil:
		if c.now().Before(entry.ExpiresAt) {
			return entry.Payload, true, nil
		}
		return nil, false, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("reading cache entry %s: %w", full, err)
	}
}

// Refresh runs fill unconditionally and stores the result, replacing any
// previous entry and restarting its TTL.
func (c *TTL) Refresh(ctx context.Context, key string, fill func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	full := c.prefix + key
	payload, err := fill(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	stored := store.CacheEntry{
		Key:       full,
		Payload:   payload,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.backend.UpsertCacheEntry(ctx, stored); err != nil {
		return nil, fmt.Errorf("storing cache entry %s: %w", full, err)
	}
	return payload, nil
}

// Durable is a per-key cache whose entries never expire on their own;
// they are replaced by explicit refills or removed by an administrative
// purge. The catalog stores one entry per external product id under it.
type Durable struct {
	backend DurableBackend
	prefix  string
	now     func() time.Time
}

// NewDurable builds a durable cache over backend.
func NewDurable(backend DurableBackend, prefix string) *Durable {
	return &Durable{backend: backend, prefix: prefix, now: time.Now}
}

// WithClock replaces the cache's clock. Tests only.
func (c *Durable) WithClock(now func() time.Time) *Durable {
	c.now = now
	return c
}

// Get returns the cached payload for key. Durable entries do not expire,
// so found reflects row existence alone.
func (c *Durable) Get(ctx context.Context, key string) (payload json.RawMessage, found bool, err error) {
	full := c.prefix + key
	entry, err := c.backend.GetCacheEntry(ctx, full)
	switch {
	case err == nil:
		return entry.Payload, true, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("reading cache entry %s: %w", full, err)
	}
}

// Put stores payload under key, replacing any previous entry.
func (c *Durable) Put(ctx context.Context, key string, payload json.RawMessage) error {
	stored := store.CacheEntry{
		Key:       c.prefix + key,
		Payload:   payload,
		CachedAt:  c.now(),
		ExpiresAt: store.DurableExpiry,
	}
	if err := c.backend.UpsertCacheEntry(ctx, stored); err != nil {
		return fmt.Errorf("storing cache entry %s: %w", c.prefix+key, err)
	}
	return nil
}

// PutBatch upserts one entry per key in a single pass. Last write wins
// per key, so re-running a refill with the same data is a no-op.
func (c *Durable) PutBatch(ctx context.Context, entries map[string]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	now := c.now()
	stored := make([]store.CacheEntry, 0, len(entries))
	for key, payload := range entries {
		stored = append(stored, store.CacheEntry{
			Key:       c.prefix + key,
			Payload:   payload,
			CachedAt:  now,
			ExpiresAt: store.DurableExpiry,
		})
	}
	if err := c.backend.UpsertCacheEntries(ctx, stored); err != nil {
		return fmt.Errorf("storing %d cache entries under %s: %w", len(stored), c.prefix, err)
	}
	return nil
}

// List returns the payloads of every entry under the cache's prefix,
// ordered by key.
func (c *Durable) List(ctx context.Context) ([]json.RawMessage, error) {
	entries, err := c.backend.ListCacheEntriesByPrefix(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("listing cache entries under %s: %w", c.prefix, err)
	}
	payloads := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		payloads[i] = e.Payload
	}
	return payloads, nil
}
