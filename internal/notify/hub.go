// Package notify pushes new messages and inbox updates to live subscribers.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/pkg/chat"
)

// MessageEvent is one message appended to the subscribed log, or a terminal
// error when Err is set.
type MessageEvent struct {
	Message chat.Message
	Cursor  chat.Cursor
	Err     error
}

// RecentEvent is one applied inbox upsert, or a terminal error.
type RecentEvent struct {
	Entry chat.RecentEntry
	Err   error
}

type Options struct {
	MaxPending   int `yaml:"max_pending"`
	BackfillPage int `yaml:"backfill_page"`
}

func (o Options) withDefaults() Options {
	if o.MaxPending <= 0 {
		o.MaxPending = 256
	}
	if o.BackfillPage <= 0 {
		o.BackfillPage = convstore.DefaultPageSize
	}
	return o
}

type Hub struct {
	store convstore.Store
	log   *zap.Logger
	opt   Options

	mu     sync.RWMutex
	closed bool
	convs  map[chat.LogKey]map[string]*Stream[MessageEvent]
	inbox  map[chat.UserID]map[string]*Stream[RecentEvent]
}

func NewHub(store convstore.Store, log *zap.Logger, opt Options) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		store: store,
		log:   log,
		opt:   opt.withDefaults(),
		convs: make(map[chat.LogKey]map[string]*Stream[MessageEvent]),
		inbox: make(map[chat.UserID]map[string]*Stream[RecentEvent]),
	}
}

// Subscribe streams key's log strictly after from: first the stored
// backlog, then live appends, without gaps or duplicates. The stream ends
// when ctx is done, on Cancel, or with a terminal error event.
func (h *Hub) Subscribe(ctx context.Context, key chat.LogKey, from chat.Cursor) (*Stream[MessageEvent], error) {
	if err := chat.ValidateUserID("owner_id", key.Owner); err != nil {
		return nil, err
	}
	if err := chat.ValidateUserID("peer_id", key.Peer); err != nil {
		return nil, err
	}
	s := newStream(ctx, h.opt.MaxPending, func(err error) MessageEvent { return MessageEvent{Err: err} })

	// Register before reading the backlog so nothing appended in between is
	// lost; the cursor filter drops what the backlog already covered.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.cancel()
		return nil, chat.ErrClosed
	}
	addStream(h.convs, key, s)
	h.mu.Unlock()
	metrics.Subscribers.WithLabelValues("conversation").Inc()
	s.onDetach = func() {
		h.mu.Lock()
		removeStream(h.convs, key, s.ID)
		h.mu.Unlock()
		metrics.Subscribers.WithLabelValues("conversation").Dec()
	}

	last := from
	prime := func(ctx context.Context, emit func(MessageEvent) bool) error {
		it := convstore.StreamSince(h.store, key, from, h.opt.BackfillPage)
		for it.Next(ctx) {
			m := it.Message()
			if !emit(MessageEvent{Message: m, Cursor: m.Cursor()}) {
				return nil
			}
			last = m.Cursor()
		}
		if err := it.Err(); err != nil {
			h.log.Warn("backfill failed", zap.String("stream", s.ID), zap.String("log", key.String()), zap.Error(err))
			return err
		}
		return nil
	}
	keep := func(ev MessageEvent) bool {
		if !last.Before(ev.Cursor) {
			return false
		}
		last = ev.Cursor
		return true
	}
	s.start(prime, keep)
	return s, nil
}

// SubscribeRecents streams every applied inbox upsert for owner.
func (h *Hub) SubscribeRecents(ctx context.Context, owner chat.UserID) (*Stream[RecentEvent], error) {
	if err := chat.ValidateUserID("owner_id", owner); err != nil {
		return nil, err
	}
	s := newStream(ctx, h.opt.MaxPending, func(err error) RecentEvent { return RecentEvent{Err: err} })

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.cancel()
		return nil, chat.ErrClosed
	}
	addStream(h.inbox, owner, s)
	h.mu.Unlock()
	metrics.Subscribers.WithLabelValues("inbox").Inc()
	s.onDetach = func() {
		h.mu.Lock()
		removeStream(h.inbox, owner, s.ID)
		h.mu.Unlock()
		metrics.Subscribers.WithLabelValues("inbox").Dec()
	}
	s.start(nil, nil)
	return s, nil
}

// PublishMessage hands m to every subscriber of key. It never blocks.
func (h *Hub) PublishMessage(key chat.LogKey, m chat.Message) {
	ev := MessageEvent{Message: m, Cursor: m.Cursor()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.convs[key] {
		h.deliver(s.ID, s.push(ev), "conversation")
	}
}

// PublishRecent hands e to every inbox subscriber of e.OwnerID.
func (h *Hub) PublishRecent(e chat.RecentEntry) {
	ev := RecentEvent{Entry: e}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.inbox[e.OwnerID] {
		h.deliver(s.ID, s.push(ev), "inbox")
	}
}

func (h *Hub) deliver(id string, overflow bool, kind string) {
	if overflow {
		metrics.SubscriberOverflow.Inc()
		h.log.Warn("subscriber overflow", zap.String("stream", id), zap.String("kind", kind), zap.Int("max_pending", h.opt.MaxPending))
		return
	}
	metrics.EventsPublished.WithLabelValues(kind).Inc()
}

// Len returns the number of open conversation and inbox streams.
func (h *Hub) Len() (convs, inbox int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.convs {
		convs += len(m)
	}
	for _, m := range h.inbox {
		inbox += len(m)
	}
	return convs, inbox
}

// Close ends every stream with a chat.ErrClosed terminal event and rejects
// new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var convs []*Stream[MessageEvent]
	var inbox []*Stream[RecentEvent]
	for _, m := range h.convs {
		for _, s := range m {
			convs = append(convs, s)
		}
	}
	for _, m := range h.inbox {
		for _, s := range m {
			inbox = append(inbox, s)
		}
	}
	h.mu.Unlock()

	for _, s := range convs {
		s.terminate(chat.ErrClosed)
	}
	for _, s := range inbox {
		s.terminate(chat.ErrClosed)
	}
}

func addStream[K comparable, E any](m map[K]map[string]*Stream[E], k K, s *Stream[E]) {
	set, ok := m[k]
	if !ok {
		set = make(map[string]*Stream[E])
		m[k] = set
	}
	set[s.ID] = s
}

func removeStream[K comparable, E any](m map[K]map[string]*Stream[E], k K, id string) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, k)
	}
}
