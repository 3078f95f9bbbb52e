package recents

import (
	"context"
	"sync"

	"yuim/im-chat/pkg/chat"
)

type Memory struct {
	mu      sync.RWMutex
	byOwner map[chat.UserID]map[chat.UserID]chat.RecentEntry
}

func NewMemory() *Memory {
	return &Memory{byOwner: make(map[chat.UserID]map[chat.UserID]chat.RecentEntry)}
}

func (m *Memory) Upsert(ctx context.Context, e chat.RecentEntry) (bool, error) {
	if err := validate(e); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := m.byOwner[e.OwnerID]
	if peers == nil {
		peers = make(map[chat.UserID]chat.RecentEntry)
		m.byOwner[e.OwnerID] = peers
	}
	if old, ok := peers[e.PeerID]; ok && !e.Supersedes(old) {
		return false, nil
	}
	peers[e.PeerID] = e
	return true, nil
}

func (m *Memory) List(ctx context.Context, owner chat.UserID) ([]chat.RecentEntry, error) {
	m.mu.RLock()
	peers := m.byOwner[owner]
	out := make([]chat.RecentEntry, 0, len(peers))
	for _, e := range peers {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out, nil
}
