package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"yuim/im-chat/pkg/chat"
)

type entry struct {
	meta    chat.PeerMeta
	unknown bool
	exp     time.Time
}

// Cache memoizes lookups for ttl, including misses, so hot senders do not
// hit the directory on every message.
type Cache struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	mu sync.RWMutex
	m  map[chat.UserID]entry
}

func NewCache(next Directory, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{next: next, ttl: ttl, now: time.Now, m: make(map[chat.UserID]entry)}
}

func (c *Cache) Lookup(ctx context.Context, id chat.UserID) (chat.PeerMeta, error) {
	c.mu.RLock()
	e, ok := c.m[id]
	c.mu.RUnlock()
	if ok && c.now().Before(e.exp) {
		if e.unknown {
			return chat.PeerMeta{}, chat.ErrUnknownUser
		}
		return e.meta, nil
	}

	meta, err := c.next.Lookup(ctx, id)
	switch {
	case err == nil:
		c.set(id, entry{meta: meta, exp: c.now().Add(c.ttl)})
	case errors.Is(err, chat.ErrUnknownUser):
		c.set(id, entry{unknown: true, exp: c.now().Add(c.ttl)})
	}
	return meta, err
}

func (c *Cache) set(id chat.UserID, e entry) {
	c.mu.Lock()
	c.m[id] = e
	c.mu.Unlock()
}

// Invalidate drops id so the next lookup goes to the directory.
func (c *Cache) Invalidate(id chat.UserID) {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
}
