package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores sessions as JSON with a per-subject index set. Keys
// expire after the session lifetime.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps client. keyPrefix namespaces every key.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (r *RedisBackend) sessionKey(id string) string { return r.keyPrefix + "session:" + id }
func (r *RedisBackend) subjectKey(sub string) string { return r.keyPrefix + "subject:" + sub }

func (r *RedisBackend) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	// The service clock decides liveness; the key only needs to outlive it.
	ttl := s.ExpiresAt.Sub(s.CreatedAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.ID), data, ttl)
		pipe.SAdd(ctx, r.subjectKey(s.Subject), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisBackend) ListBySubject(ctx context.Context, subject string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, r.subjectKey(subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*Session
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, r.subjectKey(subject), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
