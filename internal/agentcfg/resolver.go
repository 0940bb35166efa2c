// Package agentcfg resolves which model, parameters and instructions an
// agent uses at request time. Stored configuration is read-mostly, so the
// resolver holds a single global snapshot refreshed as a whole: one reload
// fetches every agent row plus the upstream API key, amortizing to O(1)
// queries regardless of request volume.
package agentcfg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimblecart/ghostwriter/config"
	"github.com/nimblecart/ghostwriter/internal/store"
)

// SnapshotTTL is how long a loaded snapshot is served before a reload.
const SnapshotTTL = 60 * time.Second

// SettingAPIKey is the settings row holding the LLM gateway API key.
const SettingAPIKey = "llm_api_key"

// ErrAIServiceUnavailable marks a missing upstream API key. It is a
// configuration error: fatal to the request, never retried, and mapped to
// a specific user-facing message by the HTTP layer.
var ErrAIServiceUnavailable = errors.New("AI service is not configured")

// AgentSpec is the resolved configuration for one agent invocation.
// Instructions may be empty when no stored instructions exist; callers
// fall back to their compiled-in default prompt.
type AgentSpec struct {
	AgentID      string
	ModelID      string
	Temperature  float64
	MaxTokens    int
	Instructions string
	ToolNames    []string
	MaxRetries   int
}

// Source is the slice of the store the resolver reads.
type Source interface {
	ListAgentConfigs(ctx context.Context) ([]store.AgentConfig, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

type snapshot struct {
	agents   map[string]store.AgentConfig
	apiKey   string
	loadedAt time.Time
}

// Resolver caches agent configuration with a fixed TTL and an explicit
// invalidation hook for administrative writes.
type Resolver struct {
	source   Source
	defaults config.LLMConfig
	retries  int
	ttl      time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	snap *snapshot
}

// Option tweaks a Resolver; used by tests to control time and TTL.
type Option func(*Resolver)

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }
func WithTTL(ttl time.Duration) Option      { return func(r *Resolver) { r.ttl = ttl } }

// NewResolver builds a resolver over src. defaults supply the model
// parameters for agents with no stored row; defaultRetries bounds the
// retry ladder for such agents.
func NewResolver(src Source, defaults config.LLMConfig, defaultRetries int, opts ...Option) *Resolver {
	r := &Resolver{
		source:   src,
		defaults: defaults,
		retries:  defaultRetries,
		ttl:      SnapshotTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the spec for agentID, loading a fresh snapshot if the
// cached one has expired. An agent with no stored row gets the compiled-in
// defaults.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (AgentSpec, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("loading agent config snapshot: %w", err)
	}
	spec := AgentSpec{
		AgentID:     agentID,
		ModelID:     r.defaults.DefaultModel,
		Temperature: r.defaults.DefaultTemperature,
		MaxTokens:   r.defaults.DefaultMaxTokens,
		MaxRetries:  r.retries,
	}
	if c, ok := snap.agents[agentID]; ok {
		if c.ModelID != "" {
			spec.ModelID = c.ModelID
		}
		spec.Temperature = c.Temperature
		if c.MaxTokens > 0 {
			spec.MaxTokens = c.MaxTokens
		}
		spec.Instructions = c.Instructions
		spec.ToolNames = c.ToolNames
		if c.MaxRetries >= 0 {
			spec.MaxRetries = c.MaxRetries
		}
	}
	return spec, nil
}

// APIKey returns the upstream gateway key, or ErrAIServiceUnavailable
// when none is configured.
func (r *Resolver) APIKey(ctx context.Context) (string, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return "", fmt.Errorf("loading agent config snapshot: %w", err)
	}
	if snap.apiKey == "" {
		return "", ErrAIServiceUnavailable
	}
	return snap.apiKey, nil
}

// Invalidate forces the next call to reload. This is the only way
// administrative writes become visible before the TTL runs out.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.snap = nil
	r.mu.Unlock()
}

func (r *Resolver) current(ctx context.Context) (*snapshot, error) {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()
	if snap != nil && r.now().Sub(snap.loadedAt) < r.ttl {
		return snap, nil
	}
	return r.reload(ctx)
}

// reload replaces the snapshot atomically as a whole; concurrent readers
// see either the old or the new snapshot, never a partial update.
func (r *Resolver) reload(ctx context.Context) (*snapshot, error) {
	configs, err := r.source.ListAgentConfigs(ctx)
	if err != nil {
		return nil, err
	}
	apiKey, err := r.source.GetSetting(ctx, SettingAPIKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	agents := make(map[string]store.AgentConfig, len(configs))
	for _, c := range configs {
		agents[c.AgentID] = c
	}
	snap := &snapshot{agents: agents, apiKey: apiKey, loadedAt: r.now()}
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	return snap, nil
}
