package delivery

import (
	"sync"

	"yuim/im-chat/pkg/chat"
)

// pairLocks serializes work per conversation. Entries are refcounted and
// dropped when the last holder unlocks.
type pairLocks struct {
	mu sync.Mutex
	m  map[chat.ConversationKey]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{m: make(map[chat.ConversationKey]*pairLock)}
}

func (p *pairLocks) lock(k chat.ConversationKey) (unlock func()) {
	p.mu.Lock()
	l, ok := p.m[k]
	if !ok {
		l = &pairLock{}
		p.m[k] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.m, k)
		}
		p.mu.Unlock()
	}
}

func (p *pairLocks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
