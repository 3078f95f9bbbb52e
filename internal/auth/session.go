package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps login sessions as a Redis hash under prefix+token.
type SessionStore struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSessionStore(cli *redis.Client, prefix string, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionStore{cli: cli, prefix: prefix, ttl: ttl}
}

func (s *SessionStore) key(token string) string { return s.prefix + token }

func (s *SessionStore) Put(ctx context.Context, token string, fields map[string]string) error {
	if token == "" {
		return fmt.Errorf("token empty")
	}
	key := s.key(token)
	if err := s.cli.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	return s.cli.Expire(ctx, key, s.ttl).Err()
}

// Get returns the session fields; ok is false when the session is unknown or
// expired.
func (s *SessionStore) Get(ctx context.Context, token string) (map[string]string, bool, error) {
	if token == "" {
		return nil, false, nil
	}
	m, err := s.cli.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.cli.Del(ctx, s.key(token)).Err()
}
