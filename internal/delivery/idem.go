package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"yuim/im-chat/pkg/chat"
)

// Idempotency remembers the receipt of a send by (sender, client_msg_id) so
// client retries do not create a second message.
type Idempotency interface {
	Get(ctx context.Context, from chat.UserID, clientMsgID string) (chat.Receipt, bool, error)
	Put(ctx context.Context, from chat.UserID, clientMsgID string, rc chat.Receipt, ttl time.Duration) error
}

const maxClientMsgIDLen = 128

type MemoryIdem struct {
	now func() time.Time

	mu sync.Mutex
	m  map[string]idemEntry
}

type idemEntry struct {
	rc  chat.Receipt
	exp time.Time
}

func NewMemoryIdem() *MemoryIdem {
	return &MemoryIdem{now: time.Now, m: make(map[string]idemEntry)}
}

func (s *MemoryIdem) Get(ctx context.Context, from chat.UserID, clientMsgID string) (chat.Receipt, bool, error) {
	k := idemKey(from, clientMsgID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok {
		return chat.Receipt{}, false, nil
	}
	if !s.now().Before(e.exp) {
		delete(s.m, k)
		return chat.Receipt{}, false, nil
	}
	return e.rc, true, nil
}

func (s *MemoryIdem) Put(ctx context.Context, from chat.UserID, clientMsgID string, rc chat.Receipt, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[idemKey(from, clientMsgID)] = idemEntry{rc: rc, exp: now.Add(ttl)}
	if len(s.m)%1024 == 0 {
		for k, e := range s.m {
			if !now.Before(e.exp) {
				delete(s.m, k)
			}
		}
	}
	return nil
}

// RedisIdem stores receipts as JSON under im:idem:{from}:{client_msg_id}.
type RedisIdem struct {
	cli *redis.Client
}

func NewRedisIdem(cli *redis.Client) *RedisIdem { return &RedisIdem{cli: cli} }

func (s *RedisIdem) Get(ctx context.Context, from chat.UserID, clientMsgID string) (chat.Receipt, bool, error) {
	v, err := s.cli.Get(ctx, idemKey(from, clientMsgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Receipt{}, false, nil
	}
	if err != nil {
		return chat.Receipt{}, false, err
	}
	var rc chat.Receipt
	if err := json.Unmarshal(v, &rc); err != nil || rc.MessageID == 0 {
		return chat.Receipt{}, false, nil
	}
	return rc, true, nil
}

func (s *RedisIdem) Put(ctx context.Context, from chat.UserID, clientMsgID string, rc chat.Receipt, ttl time.Duration) error {
	b, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	return s.cli.Set(ctx, idemKey(from, clientMsgID), b, ttl).Err()
}

func idemKey(from chat.UserID, clientMsgID string) string {
	return fmt.Sprintf("im:idem:%s:%s", from, clientMsgID)
}
