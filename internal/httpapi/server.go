// Package httpapi is the client protocol: JSON over HTTP for sending and
// history, websockets for live streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yuim/im-chat/internal/auth"
	"yuim/im-chat/internal/convstore"
	"yuim/im-chat/internal/delivery"
	"yuim/im-chat/internal/notify"
	"yuim/im-chat/internal/recents"
	"yuim/im-chat/pkg/chat"
)

type Sender interface {
	Send(ctx context.Context, req delivery.SendRequest) (chat.Receipt, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, key chat.LogKey, from chat.Cursor) (*notify.Stream[notify.MessageEvent], error)
	SubscribeRecents(ctx context.Context, owner chat.UserID) (*notify.Stream[notify.RecentEvent], error)
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	Timeout      time.Duration
	WriteWait    time.Duration
	PingPeriod   time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 50
	}
	if o.MaxLimit <= 0 || o.MaxLimit > convstore.MaxPageSize {
		o.MaxLimit = convstore.MaxPageSize
	}
	if o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = o.MaxLimit
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	return o
}

type Server struct {
	sender Sender
	store  convstore.Store
	index  recents.Index
	subs   Subscriber
	log    *zap.Logger
	opt    Options
}

func New(sender Sender, store convstore.Store, index recents.Index, subs Subscriber, log *zap.Logger, opt Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sender: sender, store: store, index: index, subs: subs, log: log, opt: opt.withDefaults()}
}

// Handler routes the API. Callers wrap it with auth.Wrap.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/messages", s.messages)
	mux.HandleFunc("/v1/recents", s.recents)
	mux.HandleFunc("/v1/stream", s.streamConversation)
	mux.HandleFunc("/v1/stream/inbox", s.streamInbox)
	return mux
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.send(w, r)
	case http.MethodGet:
		s.history(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type sendReq struct {
	ToID        string `json:"to_id"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type sendResp struct {
	OK          bool                 `json:"ok"`
	MsgID       chat.MessageID       `json:"msg_id,string"`
	SentAt      time.Time            `json:"sent_at"`
	ConvKey     chat.ConversationKey `json:"conv_key"`
	Cursor      chat.Cursor          `json:"cursor"`
	ClientMsgID string               `json:"client_msg_id,omitempty"`
	Partial     bool                 `json:"partial,omitempty"`
	Failed      []chat.Step          `json:"failed,omitempty"`
}

// POST /v1/messages {to_id, text, client_msg_id?}
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	var q sendReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opt.Timeout)
	rc, err := s.sender.Send(ctx, delivery.SendRequest{From: uid, To: strings.TrimSpace(q.ToID), Text: q.Text, ClientMsgID: q.ClientMsgID})
	cancel()

	resp := sendResp{OK: true, MsgID: rc.MessageID, SentAt: rc.SentAt, ConvKey: rc.ConversationKey, Cursor: rc.Cursor, ClientMsgID: q.ClientMsgID}
	var pde *chat.PartialDeliveryError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &pde):
		resp.Partial = true
		resp.Failed = pde.Failed
		writeJSON(w, http.StatusAccepted, resp)
	default:
		s.fail(w, "send", err)
	}
}

type historyResp struct {
	OK         bool           `json:"ok"`
	Items      []chat.Message `json:"items"`
	NextCursor chat.Cursor    `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// GET /v1/messages?peer_id=&cursor=&limit=
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	key, cur, err := logQuery(uid, r)
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = s.opt.DefaultLimit
	}
	if limit > s.opt.MaxLimit {
		limit = s.opt.MaxLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opt.Timeout)
	items, err := s.store.ListSince(ctx, key, cur, limit)
	cancel()
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	if items == nil {
		items = []chat.Message{}
	}
	next := cur
	if len(items) > 0 {
		next = items[len(items)-1].Cursor()
	}
	writeJSON(w, http.StatusOK, historyResp{OK: true, Items: items, NextCursor: next, HasMore: len(items) == limit})
}

// GET /v1/recents
func (s *Server) recents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.Timeout)
	items, err := s.index.List(ctx, uid)
	cancel()
	if err != nil {
		s.fail(w, "recents", err)
		return
	}
	if items == nil {
		items = []chat.RecentEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func caller(w http.ResponseWriter, r *http.Request) (chat.UserID, bool) {
	uid := auth.UIDFromContext(r.Context())
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return uid, true
}

// logQuery reads peer_id and cursor into the caller's log key.
func logQuery(uid chat.UserID, r *http.Request) (chat.LogKey, chat.Cursor, error) {
	key := chat.LogKey{Owner: uid, Peer: strings.TrimSpace(r.URL.Query().Get("peer_id"))}
	if err := chat.ValidateUserID("peer_id", key.Peer); err != nil {
		return key, chat.Cursor{}, err
	}
	cur, err := chat.ParseCursor(r.URL.Query().Get("cursor"))
	return key, cur, err
}

// fail maps the error taxonomy to a status code.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case chat.IsWrite(err), errors.Is(err, context.DeadlineExceeded):
		s.log.Warn(op+" unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.log.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}
