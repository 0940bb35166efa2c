package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/nimblecart/ghostwriter/internal/store"
)

type fakeBackend struct {
	entries map[string]store.CacheEntry
	gets    int
	puts    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string]store.CacheEntry{}}
}

func (f *fakeBackend) GetCacheEntry(ctx context.Context, key string) (store.CacheEntry, error) {
	f.gets++
	e, ok := f.entries[key]
	if !ok {
		return store.CacheEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeBackend) UpsertCacheEntry(ctx context.Context, entry store.CacheEntry) error {
	f.puts++
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeBackend) UpsertCacheEntries(ctx context.Context, entries []store.CacheEntry) error {
	for _, e := range entries {
		f.puts++
		f.entries[e.Key] = e
	}
	return nil
}

func (f *fakeBackend) ListCacheEntriesByPrefix(ctx context.Context, prefix string) ([]store.CacheEntry, error) {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]store.CacheEntry, len(keys))
	for i, k := range keys {
		out[i] = f.entries[k]
	}
	return out, nil
}

func TestTTLReadThrough(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	c := NewTTL(backend, PrefixAnalysis, AnalysisTTL).WithClock(func() time.Time { return now })

	ctx := context.Background()
	fills := 0
	fill := func(ctx context.Context) (json.RawMessage, error) {
		fills++
		return json.RawMessage(`{"tone":"playful"}`), nil
	}

	payload, cached, err := c.GetOrFill(ctx, "https://shop.example", fill)
	if err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	if cached {
		t.Fatalf("first read must miss")
	}
	if string(payload) != `{"tone":"playful"}` {
		t.Fatalf("payload = %s", payload)
	}

	payload, cached, err = c.GetOrFill(ctx, "https://shop.example", fill)
	if err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	if !cached {
		t.Fatalf("second read must hit")
	}
	if string(payload) != `{"tone":"playful"}` {
		t.Fatalf("payload = %s", payload)
	}
	if fills != 1 {
		t.Fatalf("fill ran %d times", fills)
	}
}

func TestTTLExpiryOverwritesInPlace(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	c := NewTTL(backend, PrefixAnalysis, AnalysisTTL).WithClock(func() time.Time { return now })

	ctx := context.Background()
	version := 0
	fill := func(ctx context.Context) (json.RawMessage, error) {
		version++
		b, _ := json.Marshal(map[string]int{"version": version})
		return b, nil
	}

	if _, _, err := c.GetOrFill(ctx, "k", fill); err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	firstCachedAt := backend.entries[PrefixAnalysis+"k"].CachedAt

	now = now.Add(AnalysisTTL + time.Minute)
	payload, cached, err := c.GetOrFill(ctx, "k", fill)
	if err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	if cached {
		t.Fatalf("expired entry must not hit")
	}
	if string(payload) != `{"version":2}` {
		t.Fatalf("payload = %s", payload)
	}
	if len(backend.entries) != 1 {
		t.Fatalf("expired row must be overwritten, have %d rows", len(backend.entries))
	}
	entry := backend.entries[PrefixAnalysis+"k"]
	if !entry.CachedAt.After(firstCachedAt) {
		t.Fatalf("cached_at must advance on refill")
	}
	if !entry.ExpiresAt.Equal(entry.CachedAt.Add(AnalysisTTL)) {
		t.Fatalf("expiry not recomputed from refill time")
	}
}

func TestTTLGetHonorsExpiry(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	c := NewTTL(backend, PrefixAnalysis, AnalysisTTL).WithClock(func() time.Time { return now })

	ctx := context.Background()
	if _, _, err := c.GetOrFill(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"tone":"warm"}`), nil
	}); err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}

	payload, found, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(payload) != `{"tone":"warm"}` {
		t.Fatalf("live entry: found=%v payload=%s", found, payload)
	}

	// Past the TTL the row still exists but must read as a miss.
	now = now.Add(AnalysisTTL + time.Minute)
	payload, found, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found || payload != nil {
		t.Fatalf("expired entry must miss: found=%v payload=%s", found, payload)
	}
	if len(backend.entries) != 1 {
		t.Fatalf("peek must not delete the row")
	}

	if _, found, err := c.Get(ctx, "absent"); err != nil || found {
		t.Fatalf("absent key: found=%v err=%v", found, err)
	}
}

func TestTTLRefreshBypassesLiveEntry(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	c := NewTTL(backend, PrefixAnalysis, AnalysisTTL).WithClock(func() time.Time { return now })

	ctx := context.Background()
	version := 0
	fill := func(ctx context.Context) (json.RawMessage, error) {
		version++
		b, _ := json.Marshal(map[string]int{"version": version})
		return b, nil
	}

	if _, _, err := c.GetOrFill(ctx, "k", fill); err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}

	now = now.Add(time.Hour)
	payload, err := c.Refresh(ctx, "k", fill)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if string(payload) != `{"version":2}` {
		t.Fatalf("refresh must refill a live entry, got %s", payload)
	}
	entry := backend.entries[PrefixAnalysis+"k"]
	if !entry.ExpiresAt.Equal(now.Add(AnalysisTTL)) {
		t.Fatalf("refresh must restart the ttl")
	}
	if len(backend.entries) != 1 {
		t.Fatalf("refresh must overwrite in place, have %d rows", len(backend.entries))
	}
}

func TestTTLFillErrorNotStored(t *testing.T) {
	backend := newFakeBackend()
	c := NewTTL(backend, PrefixAnalysis, AnalysisTTL)

	boom := errors.New("upstream down")
	_, _, err := c.GetOrFill(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fill error, got %v", err)
	}
	if backend.puts != 0 {
		t.Fatalf("failed fill must not be stored")
	}
}

func TestDurableNeverExpires(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	c := NewDurable(backend, PrefixCatalog).WithClock(func() time.Time { return now })

	ctx := context.Background()
	if err := c.Put(ctx, "p1", json.RawMessage(`{"id":"p1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	now = now.Add(365 * 24 * time.Hour)
	payload, found, err := c.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("durable entry must still hit a year later")
	}
	if string(payload) != `{"id":"p1"}` {
		t.Fatalf("payload = %s", payload)
	}
	if got := backend.entries[PrefixCatalog+"p1"].ExpiresAt; !got.Equal(store.DurableExpiry) {
		t.Fatalf("expires_at = %v", got)
	}
}

func TestDurablePutReplaces(t *testing.T) {
	backend := newFakeBackend()
	c := NewDurable(backend, PrefixCatalog)

	ctx := context.Background()
	if err := c.Put(ctx, "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(ctx, "k", json.RawMessage(`2`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload, found, err := c.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if string(payload) != "2" {
		t.Fatalf("payload = %s", payload)
	}
}

func TestDurableBatchUpsertAndList(t *testing.T) {
	backend := newFakeBackend()
	c := NewDurable(backend, PrefixCatalog)

	ctx := context.Background()
	first := map[string]json.RawMessage{
		"p1": json.RawMessage(`{"id":"p1","v":1}`),
		"p2": json.RawMessage(`{"id":"p2","v":1}`),
		"p3": json.RawMessage(`{"id":"p3","v":1}`),
	}
	if err := c.PutBatch(ctx, first); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(backend.entries) != 3 {
		t.Fatalf("have %d rows, want one per id", len(backend.entries))
	}
	for id := range first {
		if got := backend.entries[PrefixCatalog+id].ExpiresAt; !got.Equal(store.DurableExpiry) {
			t.Fatalf("expires_at for %s = %v", id, got)
		}
	}

	// Re-running with overlapping ids overwrites per key, never duplicates.
	if err := c.PutBatch(ctx, map[string]json.RawMessage{
		"p2": json.RawMessage(`{"id":"p2","v":2}`),
	}); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(backend.entries) != 3 {
		t.Fatalf("have %d rows after overwrite", len(backend.entries))
	}

	payloads, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(payloads) != 3 {
		t.Fatalf("listed %d payloads", len(payloads))
	}
	if string(payloads[1]) != `{"id":"p2","v":2}` {
		t.Fatalf("p2 payload = %s", payloads[1])
	}

	if err := c.PutBatch(ctx, nil); err != nil {
		t.Fatalf("empty PutBatch: %v", err)
	}
}

func TestPrefixesIsolateKeys(t *testing.T) {
	backend := newFakeBackend()
	ttl := NewTTL(backend, PrefixAnalysis, AnalysisTTL)
	durable := NewDurable(backend, PrefixCatalog)

	ctx := context.Background()
	if _, _, err := ttl.GetOrFill(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"a"`), nil
	}); err != nil {
		t.Fatalf("ttl fill: %v", err)
	}
	if err := durable.Put(ctx, "k", json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload, found, err := durable.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if string(payload) != `"b"` {
		t.Fatalf("payload = %s", payload)
	}
	if payload, _, err := ttl.Get(ctx, "k"); err != nil || string(payload) != `"a"` {
		t.Fatalf("ttl payload = %s err=%v", payload, err)
	}
}
