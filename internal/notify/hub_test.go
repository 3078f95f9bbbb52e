package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/pkg/chat"
)

var (
	ab   = chat.LogKey{Owner: "alice", Peer: "bob"}
	base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func msg(id int64, text string) chat.Message {
	return chat.Message{
		ID:              chat.MessageID(id),
		ConversationKey: ab.ConversationKey(),
		SenderID:        "alice",
		RecipientID:     "bob",
		Text:            text,
		SentAt:          base.Add(time.Duration(id) * time.Millisecond),
	}
}

func newHub(t *testing.T, opt Options) (*Hub, *convstore.Memory) {
	st := convstore.NewMemory(nil)
	h := NewHub(st, zaptest.NewLogger(t), opt)
	t.Cleanup(h.Close)
	return h, st
}

func appendAndPublish(t *testing.T, h *Hub, st convstore.Store, m chat.Message) {
	_, err := st.Append(context.Background(), ab, m)
	require.NoError(t, err)
	h.PublishMessage(ab, m)
}

func recv[E any](t *testing.T, s *Stream[E]) E {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero E
	return zero
}

func assertQuiet[E any](t *testing.T, s *Stream[E]) {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeSendCancel(t *testing.T) {
	h, st := newHub(t, Options{})
	s, err := h.Subscribe(context.Background(), ab, chat.Cursor{})
	require.NoError(t, err)

	appendAndPublish(t, h, st, msg(1, "x"))
	ev := recv(t, s)
	require.NoError(t, ev.Err)
	assert.Equal(t, "x", ev.Message.Text)
	assertQuiet(t, s)

	s.Cancel()
	_, ok := <-s.C()
	assert.False(t, ok, "channel is closed once Cancel returns")
	convs, _ := h.Len()
	assert.Zero(t, convs)

	appendAndPublish(t, h, st, msg(2, "y"))
	_, ok = <-s.C()
	assert.False(t, ok)
	s.Cancel()
}

func TestBackfillThenLiveWithoutDuplicates(t *testing.T) {
	h, st := newHub(t, Options{BackfillPage: 1})
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := st.Append(ctx, ab, msg(i, "old"))
		require.NoError(t, err)
	}

	s, err := h.Subscribe(ctx, ab, chat.Cursor{})
	require.NoError(t, err)
	defer s.Cancel()

	// A late publish of a message the backlog already covers.
	h.PublishMessage(ab, msg(3, "old"))
	appendAndPublish(t, h, st, msg(4, "new"))

	var ids []chat.MessageID
	for i := 0; i < 4; i++ {
		ev := recv(t, s)
		require.NoError(t, ev.Err)
		ids = append(ids, ev.Message.ID)
	}
	assert.Equal(t, []chat.MessageID{1, 2, 3, 4}, ids)
	assertQuiet(t, s)
}

func TestResumeFromCursor(t *testing.T) {
	h, st := newHub(t, Options{})
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := st.Append(ctx, ab, msg(i, "m"))
		require.NoError(t, err)
	}

	s, err := h.Subscribe(ctx, ab, msg(2, "").Cursor())
	require.NoError(t, err)
	defer s.Cancel()
	assert.Equal(t, chat.MessageID(3), recv(t, s).Message.ID)
	assertQuiet(t, s)
}

func TestStreamsAreIndependentAndOrdered(t *testing.T) {
	h, st := newHub(t, Options{MaxPending: 1000})
	ctx := context.Background()
	s1, err := h.Subscribe(ctx, ab, chat.Cursor{})
	require.NoError(t, err)
	defer s1.Cancel()
	s2, err := h.Subscribe(ctx, ab, chat.Cursor{})
	require.NoError(t, err)
	defer s2.Cancel()
	other, err := h.Subscribe(ctx, ab.Mirror(), chat.Cursor{})
	require.NoError(t, err)
	defer other.Cancel()

	for i := int64(1); i <= 50; i++ {
		appendAndPublish(t, h, st, msg(i, "m"))
	}
	for _, s := range []*Stream[MessageEvent]{s1, s2} {
		for i := int64(1); i <= 50; i++ {
			assert.Equal(t, chat.MessageID(i), recv(t, s).Message.ID)
		}
	}
	assertQuiet(t, other)
}

func TestInboxStream(t *testing.T) {
	h, _ := newHub(t, Options{})
	s, err := h.SubscribeRecents(context.Background(), "alice")
	require.NoError(t, err)
	defer s.Cancel()

	h.PublishRecent(chat.RecentEntry{OwnerID: "bob", PeerID: "alice", LastMessageText: "nope"})
	h.PublishRecent(chat.RecentEntry{OwnerID: "alice", PeerID: "bob", LastMessageText: "hi"})
	ev := recv(t, s)
	require.NoError(t, ev.Err)
	assert.Equal(t, "hi", ev.Entry.LastMessageText)
	assertQuiet(t, s)
}

func TestOverflowTerminatesStream(t *testing.T) {
	h, _ := newHub(t, Options{MaxPending: 2})
	s, err := h.SubscribeRecents(context.Background(), "alice")
	require.NoError(t, err)
	defer s.Cancel()

	for i := 0; i < 10; i++ {
		h.PublishRecent(chat.RecentEntry{OwnerID: "alice", PeerID: "bob"})
	}

	var last RecentEvent
	n := 0
	for ev := range s.C() {
		last = ev
		n++
	}
	assert.ErrorIs(t, last.Err, ErrOverflow)
	assert.LessOrEqual(t, n, 4)
	_, inbox := h.Len()
	assert.Zero(t, inbox)
}

func TestContextCancelReleasesStream(t *testing.T) {
	h, _ := newHub(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := h.Subscribe(ctx, ab, chat.Cursor{})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		convs, _ := h.Len()
		return convs == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestCloseSendsTerminalEvent(t *testing.T) {
	h, _ := newHub(t, Options{})
	s, err := h.Subscribe(context.Background(), ab, chat.Cursor{})
	require.NoError(t, err)
	defer s.Cancel()

	h.Close()
	ev := recv(t, s)
	assert.ErrorIs(t, ev.Err, chat.ErrClosed)
	_, ok := <-s.C()
	assert.False(t, ok)

	_, err = h.Subscribe(context.Background(), ab, chat.Cursor{})
	assert.ErrorIs(t, err, chat.ErrClosed)
}

type failingStore struct{ convstore.Store }

func (failingStore) ListSince(context.Context, chat.LogKey, chat.Cursor, int) ([]chat.Message, error) {
	return nil, &chat.WriteError{Op: "list", Err: errors.New("connection refused")}
}

func TestBackfillErrorIsTerminal(t *testing.T) {
	h := NewHub(failingStore{}, zaptest.NewLogger(t), Options{})
	defer h.Close()
	s, err := h.Subscribe(context.Background(), ab, chat.Cursor{})
	require.NoError(t, err)
	defer s.Cancel()

	ev := recv(t, s)
	assert.True(t, chat.IsWrite(ev.Err))
	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestSubscribeValidatesKey(t *testing.T) {
	h, _ := newHub(t, Options{})
	_, err := h.Subscribe(context.Background(), chat.LogKey{Owner: "alice"}, chat.Cursor{})
	assert.True(t, chat.IsValidation(err))
	_, err = h.SubscribeRecents(context.Background(), "")
	assert.True(t, chat.IsValidation(err))
}
