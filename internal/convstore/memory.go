package convstore

import (
	"context"
	"sort"
	"sync"

	"yuim/im-chat/pkg/chat"
)

// Memory keeps logs in process. Each log has its own mutex so appends to
// different logs never contend.
type Memory struct {
	alloc IDAllocator

	mu     sync.RWMutex
	logs   map[chat.LogKey]*memLog
	closed bool
}

type memLog struct {
	mu   sync.Mutex
	msgs []chat.Message
	ids  map[chat.MessageID]struct{}
}

func NewMemory(alloc IDAllocator) *Memory {
	return &Memory{alloc: alloc, logs: make(map[chat.LogKey]*memLog)}
}

func (s *Memory) log(key chat.LogKey, create bool) (*memLog, error) {
	s.mu.RLock()
	l, ok := s.logs[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, chat.ErrClosed
	}
	if ok || !create {
		return l, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key]; ok {
		return l, nil
	}
	l = &memLog{ids: make(map[chat.MessageID]struct{})}
	s.logs[key] = l
	return l, nil
}

func (s *Memory) Append(ctx context.Context, key chat.LogKey, msg chat.Message) (chat.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return 0, &chat.WriteError{Op: "append", Err: err}
	}
	msg, err := prepare(s.alloc, key, msg)
	if err != nil {
		return 0, err
	}
	l, err := s.log(key, true)
	if err != nil {
		return 0, &chat.WriteError{Op: "append", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ids[msg.ID]; dup {
		return msg.ID, nil
	}
	c := msg.Cursor()
	// almost always the tail; replays of older messages land in order
	i := sort.Search(len(l.msgs), func(i int) bool { return c.Before(l.msgs[i].Cursor()) })
	l.msgs = append(l.msgs, chat.Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = msg
	l.ids[msg.ID] = struct{}{}
	return msg.ID, nil
}

func (s *Memory) ListSince(ctx context.Context, key chat.LogKey, after chat.Cursor, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := s.log(key, false)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, nil
	}
	limit = clampLimit(limit)

	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.msgs), func(i int) bool { return after.Before(l.msgs[i].Cursor()) })
	end := i + limit
	if end > len(l.msgs) {
		end = len(l.msgs)
	}
	out := make([]chat.Message, end-i)
	copy(out, l.msgs[i:end])
	return out, nil
}

// Close makes every later call fail as if storage went away.
func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
