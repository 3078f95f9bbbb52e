package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-chat/internal/auth"
	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/internal/delivery"
	"yuim/im-chat/internal/directory"
	"yuim/im-chat/internal/idgen"
	"yuim/im-chat/internal/notify"
	"yuim/im-chat/internal/ratelimit"
	"yuim/im-chat/internal/recents"
	"yuim/im-chat/pkg/chat"
)

// downStore fails every append to the sender side when down is set.
type downStore struct {
	convstore.Store
	down atomic.Bool
}

func (s *downStore) Append(ctx context.Context, key chat.LogKey, m chat.Message) (chat.MessageID, error) {
	if s.down.Load() {
		return 0, &chat.WriteError{Op: "append", Err: errors.New("disk gone")}
	}
	return s.Store.Append(ctx, key, m)
}

type testEnv struct {
	srv   *httptest.Server
	store *downStore
	index *recents.Memory
}

func newEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	return newEnvWith(t, limiter, Options{})
}

func newEnvWith(t *testing.T, limiter *ratelimit.Limiter, opt Options) *testEnv {
	t.Helper()
	alloc, err := idgen.New(idgen.Options{MachineID: 1})
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	store := &downStore{Store: convstore.NewMemory(alloc)}
	index := recents.NewMemory()
	hub := notify.NewHub(store, log, notify.Options{})
	t.Cleanup(hub.Close)
	coord := delivery.New(delivery.Deps{
		Store:     store,
		Index:     index,
		Directory: directory.NewMemory(directory.User{ID: "alice", DisplayName: "Alice"}, directory.User{ID: "bob", DisplayName: "Bob"}),
		Alloc:     alloc,
		Notifier:  hub,
		Limiter:   limiter,
		Log:       log,
	}, delivery.Options{Retry: delivery.RetryOptions{MaxAttempts: 1, InitialInterval: time.Millisecond}})

	opt.PingPeriod = time.Second
	opt.WriteWait = time.Second
	api := New(coord, store, index, hub, log, opt)
	srv := httptest.NewServer(auth.Wrap(auth.Config{DevHeader: "X-User-Id"}, nil, api.Handler()))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, index: index}
}

func (e *testEnv) do(t *testing.T, method, path, uid string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if uid != "" {
		req.Header.Set("X-User-Id", uid)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (e *testEnv) send(t *testing.T, from, to, text string) map[string]any {
	t.Helper()
	resp, out := e.do(t, http.MethodPost, "/v1/messages", from, map[string]string{"to_id": to, "text": text})
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	return out
}

func (e *testEnv) dial(t *testing.T, path string, q url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path + "?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, nil)
	resp, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSendAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	first := e.send(t, "alice", "bob", "hello")
	assert.Equal(t, true, first["ok"])
	assert.Equal(t, "p2p:alice:bob", first["conv_key"])
	assert.NotEmpty(t, first["msg_id"])
	e.send(t, "bob", "alice", "hi")
	e.send(t, "alice", "bob", "how are you")

	resp, out := e.do(t, http.MethodGet, "/v1/messages?peer_id=alice&limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := out["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "hello", items[0].(map[string]any)["text"])
	assert.Equal(t, "hi", items[1].(map[string]any)["text"])
	assert.Equal(t, true, out["has_more"])

	next := out["next_cursor"].(string)
	resp, out = e.do(t, http.MethodGet, "/v1/messages?peer_id=alice&cursor="+url.QueryEscape(next), "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items = out["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "how are you", items[0].(map[string]any)["text"])
	assert.Equal(t, false, out["has_more"])
}

func TestHistoryPagesPastStorePageSize(t *testing.T) {
	e := newEnvWith(t, nil, Options{MaxLimit: 1000})
	ctx := context.Background()
	for i := 0; i < convstore.MaxPageSize+100; i++ {
		_, err := e.store.Append(ctx, chat.LogKey{Owner: "alice", Peer: "bob"}, chat.Message{
			ConversationKey: chat.ConversationKeyOf("alice", "bob"),
			SenderID:        "alice",
			RecipientID:     "bob",
			Text:            "m",
		})
		require.NoError(t, err)
	}

	resp, out := e.do(t, http.MethodGet, "/v1/messages?peer_id=bob&limit=1000", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["items"].([]any), convstore.MaxPageSize)
	assert.Equal(t, true, out["has_more"])

	next := out["next_cursor"].(string)
	resp, out = e.do(t, http.MethodGet, "/v1/messages?peer_id=bob&limit=1000&cursor="+url.QueryEscape(next), "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["items"].([]any), 100)
	assert.Equal(t, false, out["has_more"])
}

func TestRecents(t *testing.T) {
	e := newEnv(t, nil)
	e.send(t, "alice", "bob", "hello")
	e.send(t, "bob", "alice", "hi")

	resp, out := e.do(t, http.MethodGet, "/v1/recents", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := out["items"].([]any)
	require.Len(t, items, 1)
	it := items[0].(map[string]any)
	assert.Equal(t, "bob", it["peer_id"])
	assert.Equal(t, "hi", it["last_text"])
	assert.Equal(t, "Bob", it["peer_meta"].(map[string]any)["display_name"])

	resp, out = e.do(t, http.MethodGet, "/v1/recents", "carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out["items"])
}

func TestErrorStatusCodes(t *testing.T) {
	e := newEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/v1/messages", "", map[string]string{"to_id": "bob", "text": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"to_id": "bob", "text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"to_id": "nobody", "text": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]any{"to_id": "bob", "text": "x", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/messages?peer_id=bob&cursor=garbage", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/v1/messages", "alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	e.store.down.Store(true)
	resp, out := e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"to_id": "bob", "text": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, out["ok"])
}

func TestRateLimitedSend(t *testing.T) {
	e := newEnv(t, ratelimit.New(ratelimit.Options{RPS: 0.001, Burst: 1}))
	e.send(t, "alice", "bob", "one")
	resp, _ := e.do(t, http.MethodPost, "/v1/messages", "alice", map[string]string{"to_id": "bob", "text": "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestConversationStream(t *testing.T) {
	e := newEnv(t, nil)
	e.send(t, "alice", "bob", "before")

	ws := e.dial(t, "/v1/stream", url.Values{"uid": {"bob"}, "peer_id": {"alice"}})
	ready := readFrame(t, ws)
	assert.Equal(t, "ready", ready.Event)
	assert.NotEmpty(t, ready.StreamID)

	f := readFrame(t, ws)
	require.Equal(t, "message", f.Event)
	assert.Equal(t, "before", f.Msg.Text)

	e.send(t, "alice", "bob", "after")
	f = readFrame(t, ws)
	require.Equal(t, "message", f.Event)
	assert.Equal(t, "after", f.Msg.Text)
	assert.Equal(t, f.Msg.Cursor(), *f.Cursor)
}

func TestConversationStreamResumesFromCursor(t *testing.T) {
	e := newEnv(t, nil)
	first := e.send(t, "alice", "bob", "one")
	e.send(t, "alice", "bob", "two")

	ws := e.dial(t, "/v1/stream", url.Values{"uid": {"alice"}, "peer_id": {"bob"}, "cursor": {first["cursor"].(string)}})
	require.Equal(t, "ready", readFrame(t, ws).Event)
	f := readFrame(t, ws)
	require.Equal(t, "message", f.Event)
	assert.Equal(t, "two", f.Msg.Text)
}

func TestInboxStream(t *testing.T) {
	e := newEnv(t, nil)
	e.send(t, "alice", "bob", "hello")

	ws := e.dial(t, "/v1/stream/inbox", url.Values{"uid": {"bob"}})
	require.Equal(t, "ready", readFrame(t, ws).Event)
	snap := readFrame(t, ws)
	require.Equal(t, "snapshot", snap.Event)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "hello", snap.Items[0].LastMessageText)

	e.send(t, "alice", "bob", "again")
	f := readFrame(t, ws)
	require.Equal(t, "recent", f.Event)
	assert.Equal(t, "alice", f.Entry.PeerID)
	assert.Equal(t, "again", f.Entry.LastMessageText)
}

func TestStreamRejectsBadQuery(t *testing.T) {
	e := newEnv(t, nil)
	resp, _ := e.do(t, http.MethodGet, "/v1/stream?peer_id=", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
