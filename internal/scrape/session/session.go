// Package session keeps the pages scraped during an analysis attempt.
// A failed attempt often completed its page fetches before the model
// misbehaved; the retry layer reuses those pages from here instead of
// refetching them.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimblecart/ghostwriter/internal/scrape"
)

// Store holds scraped pages keyed by session id, expiring them after a
// TTL.
type Store interface {
	// EnsureSession returns the session for id, creating a fresh one
	// when id is empty or unknown.
	EnsureSession(ctx context.Context, id string, ttl time.Duration) (Session, error)
	// GetSession returns the session for id, or nil when it does not
	// exist or has expired.
	GetSession(ctx context.Context, id string) (Session, error)
}

// Session accumulates the pages of one analysis attempt.
type Session interface {
	ID() string
	AddPages(ctx context.Context, pages []scrape.Page) error
	Pages(ctx context.Context) ([]scrape.Page, error)
}

// MemoryStore is the in-process fallback used when no redis address is
// configured. Pages do not survive a restart, which only costs a refetch.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*memorySession{}, now: time.Now}
}

// WithClock replaces the store's clock. Tests only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) EnsureSession(ctx context.Context, id string, ttl time.Duration) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if sess, ok := s.sessions[id]; ok && s.now().Before(sess.expiresAt) {
			sess.expiresAt = s.now().Add(ttl)
			return sess, nil
		}
	}
	sess := &memorySession{id: uuid.NewString(), expiresAt: s.now().Add(ttl)}
	s.sessions[sess.id] = sess
	return sess, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !s.now().Before(sess.expiresAt) {
		delete(s.sessions, id)
		return nil, nil
	}
	return sess, nil
}

type memorySession struct {
	id        string
	expiresAt time.Time

	mu    sync.Mutex
	pages []scrape.Page
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) AddPages(ctx context.Context, pages []scrape.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, pages...)
	return nil
}

func (s *memorySession) Pages(ctx context.Context) ([]scrape.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Page, len(s.pages))
	copy(out, s.pages)
	return out, nil
}
