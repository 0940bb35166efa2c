// Package store is the Postgres persistence layer: agent configurations,
// settings, the two cache tables and the append-only trace log. Schema
// ownership lives in migrations/; everything here is single-row reads and
// upserts keyed by natural unique keys, so no multi-row transactions are
// needed for correctness.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// DurableExpiry is the sentinel "never expires" timestamp used by the
// durable cache. Rows carrying it are removed only by explicit purge.
var DurableExpiry = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// AgentConfig is one agent's stored model configuration. Instructions may
// be empty, in which case callers fall back to their compiled-in default.
type AgentConfig struct {
	AgentID      string    `json:"agentId"`
	ModelID      string    `json:"modelId"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"maxTokens"`
	Instructions string    `json:"instructions"`
	ToolNames    []string  `json:"toolNames"`
	MaxRetries   int       `json:"maxRetries"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CacheEntry is one row of the shared cache shape. The TTL and durable
// policies differ only in what ExpiresAt holds.
type CacheEntry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// TraceEvent is one append-only observability record for an agent
// invocation. A trace groups events for one invocation; a session groups
// traces for one pipeline run.
type TraceEvent struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"traceId"`
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Trace event types.
const (
	TraceAgentInput  = "agent-input"
	TraceToolCall    = "tool-call"
	TraceToolResult  = "tool-result"
	TraceAgentOutput = "agent-output"
	TraceError       = "error"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// ListAgentConfigs loads every stored agent configuration in one pass,
// which is what the resolver's snapshot reload wants.
func (s *Store) ListAgentConfigs(ctx context.Context) ([]AgentConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT agent_id, model_id, temperature, max_tokens, COALESCE(instructions, ''), tool_names, max_retries, updated_at FROM agent_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentConfig
	for rows.Next() {
		var c AgentConfig
		if err := rows.Scan(&c.AgentID, &c.ModelID, &c.Temperature, &c.MaxTokens, &c.Instructions, pq.Array(&c.ToolNames), &c.MaxRetries, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (AgentConfig, error) {
	var c AgentConfig
	err := s.DB.QueryRowContext(ctx, `SELECT agent_id, model_id, temperature, max_tokens, COALESCE(instructions, ''), tool_names, max_retries, updated_at FROM agent_configs WHERE agent_id = $1`, agentID).
		Scan(&c.AgentID, &c.ModelID, &c.Temperature, &c.MaxTokens, &c.Instructions, pq.Array(&c.ToolNames), &c.MaxRetries, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentConfig{}, ErrNotFound
	}
	return c, err
}

func (s *Store) UpsertAgentConfig(ctx context.Context, c AgentConfig) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_configs (agent_id, model_id, temperature, max_tokens, instructions, tool_names, max_retries, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NOW())
ON CONFLICT (agent_id) DO UPDATE SET
  model_id = EXCLUDED.model_id,
  temperature = EXCLUDED.temperature,
  max_tokens = EXCLUDED.max_tokens,
  instructions = EXCLUDED.instructions,
  tool_names = EXCLUDED.tool_names,
  max_retries = EXCLUDED.max_retries,
  updated_at = NOW()`,
		c.AgentID, c.ModelID, c.Temperature, c.MaxTokens, c.Instructions, pq.Array(c.ToolNames), c.MaxRetries)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	return err
}

func (s *Store) GetCacheEntry(ctx context.Context, key string) (CacheEntry, error) {
	var e CacheEntry
	err := s.DB.QueryRowContext(ctx, `SELECT key, payload, cached_at, expires_at FROM cache_entries WHERE key = $1`, key).
		Scan(&e.Key, &e.Payload, &e.CachedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	return e, err
}

// UpsertCacheEntry writes a cache row in place. A present-but-expired row
// is overwritten rather than deleted and re-inserted so the row identity
// survives for any foreign references.
func (s *Store) UpsertCacheEntry(ctx context.Context, e CacheEntry) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cache_entries (key, payload, cached_at, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET
  payload = EXCLUDED.payload,
  cached_at = EXCLUDED.cached_at,
  expires_at = EXCLUDED.expires_at`,
		e.Key, e.Payload, e.CachedAt, e.ExpiresAt)
	return err
}

// UpsertCacheEntries is a last-write-wins batch upsert, idempotent per key.
func (s *Store) UpsertCacheEntries(ctx context.Context, entries []CacheEntry) error {
	for _, e := range entries {
		if err := s.UpsertCacheEntry(ctx, e); err != nil {
			return fmt.Errorf("upsert cache entry %s: %w", e.Key, err)
		}
	}
	return nil
}

// ListCacheEntriesByPrefix returns every cache row whose key starts with
// prefix, ordered by key.
func (s *Store) ListCacheEntriesByPrefix(ctx context.Context, prefix string) ([]CacheEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT key, payload, cached_at, expires_at FROM cache_entries
WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.Key, &e.Payload, &e.CachedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeCacheExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeCacheByPrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeCacheAll(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertTraceEvent(ctx context.Context, ev TraceEvent) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO trace_events (id, trace_id, session_id, agent_id, event_type, data, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		ev.ID, ev.TraceID, ev.SessionID, ev.AgentID, ev.EventType, ev.Data, ev.CreatedAt)
	return err
}

func (s *Store) ListTraceEventsBySession(ctx context.Context, sessionID string) ([]TraceEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, trace_id, COALESCE(session_id, ''), agent_id, event_type, data, created_at
FROM trace_events WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TraceEvent
	for rows.Next() {
		var ev TraceEvent
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.SessionID, &ev.AgentID, &ev.EventType, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeTraceEventsBefore bulk-deletes old trace rows; this is the only way
// trace events are ever removed.
func (s *Store) PurgeTraceEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM trace_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
