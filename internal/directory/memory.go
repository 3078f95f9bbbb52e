package directory

import (
	"context"
	"sync"

	"yuim/im-chat/pkg/chat"
)

type Memory struct {
	mu    sync.RWMutex
	users map[chat.UserID]User
}

func NewMemory(users ...User) *Memory {
	m := &Memory{users: make(map[chat.UserID]User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) Put(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *Memory) Lookup(ctx context.Context, id chat.UserID) (chat.PeerMeta, error) {
	m.mu.RLock()
	u, ok := m.users[id]
	m.mu.RUnlock()
	if !ok {
		return chat.PeerMeta{}, chat.ErrUnknownUser
	}
	return u.Meta(), nil
}
