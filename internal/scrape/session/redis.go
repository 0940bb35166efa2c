package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimblecart/ghostwriter/internal/scrape"
)

// RedisStore keeps sessions in redis so the fast path works across
// process restarts and replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

func pagesKey(id string) string { return fmt.Sprintf("session:%s:pages", id) }

func (s *RedisStore) EnsureSession(ctx context.Context, id string, ttl time.Duration) (Session, error) {
	if id != "" {
		exists, err := s.client.Exists(ctx, pagesKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("checking session %s: %w", id, err)
		}
		if exists == 1 {
			if err := s.client.Expire(ctx, pagesKey(id), ttl).Err(); err != nil {
				return nil, fmt.Errorf("refreshing session %s: %w", id, err)
			}
			return &redisSession{client: s.client, id: id, ttl: ttl}, nil
		}
	}
	newID := uuid.NewString()
	if err := s.client.Set(ctx, pagesKey(newID), "[]", ttl).Err(); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &redisSession{client: s.client, id: newID, ttl: ttl}, nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (Session, error) {
	exists, err := s.client.Exists(ctx, pagesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking session %s: %w", id, err)
	}
	if exists == 0 {
		return nil, nil
	}
	return &redisSession{client: s.client, id: id}, nil
}

type redisSession struct {
	client *redis.Client
	id     string
	ttl    time.Duration
}

func (s *redisSession) ID() string { return s.id }

func (s *redisSession) AddPages(ctx context.Context, pages []scrape.Page) error {
	existing, err := s.Pages(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(append(existing, pages...))
	if err != nil {
		return fmt.Errorf("marshaling session pages: %w", err)
	}
	ttl := s.ttl
	if ttl <= 0 {
		ttl = redis.KeepTTL
	}
	if err := s.client.Set(ctx, pagesKey(s.id), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing session pages: %w", err)
	}
	return nil
}

func (s *redisSession) Pages(ctx context.Context) ([]scrape.Page, error) {
	val, err := s.client.Get(ctx, pagesKey(s.id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session pages: %w", err)
	}
	var pages []scrape.Page
	if err := json.Unmarshal([]byte(val), &pages); err != nil {
		return nil, fmt.Errorf("decoding session pages: %w", err)
	}
	return pages, nil
}
