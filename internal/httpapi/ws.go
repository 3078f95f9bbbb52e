package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/im-chat/internal/metrics"
	"yuim/im-chat/internal/notify"
	"yuim/im-chat/pkg/chat"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the single shape of every server-to-client stream message.
type frame struct {
	Event    string             `json:"event"` // ready | message | snapshot | recent | error
	StreamID string             `json:"stream_id,omitempty"`
	Cursor   *chat.Cursor       `json:"cursor,omitempty"`
	Msg      *chat.Message      `json:"msg,omitempty"`
	Entry    *chat.RecentEntry  `json:"entry,omitempty"`
	Items    []chat.RecentEntry `json:"items,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func errorFrame(err error) frame { return frame{Event: "error", Error: err.Error()} }

// GET /v1/stream?peer_id=&cursor= (websocket)
func (s *Server) streamConversation(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	key, cur, err := logQuery(uid, r)
	if err != nil {
		s.fail(w, "stream", err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := s.openConn(r.Context(), ws)
	defer cancel()

	st, err := s.subs.Subscribe(ctx, key, cur)
	if err != nil {
		s.writeFrame(ws, errorFrame(err))
		return
	}
	defer st.Cancel()

	pump(s, ctx, ws, st.ID, nil, st.C(), func(ev notify.MessageEvent) (frame, bool) {
		if ev.Err != nil {
			return errorFrame(ev.Err), false
		}
		m, c := ev.Message, ev.Cursor
		return frame{Event: "message", Cursor: &c, Msg: &m}, true
	})
}

// GET /v1/stream/inbox (websocket). The first frame after ready is a
// snapshot of the inbox; recent frames follow.
func (s *Server) streamInbox(w http.ResponseWriter, r *http.Request) {
	uid, ok := caller(w, r)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := s.openConn(r.Context(), ws)
	defer cancel()

	// subscribe before listing so no upsert falls between the two
	st, err := s.subs.SubscribeRecents(ctx, uid)
	if err != nil {
		s.writeFrame(ws, errorFrame(err))
		return
	}
	defer st.Cancel()

	lctx, lcancel := context.WithTimeout(ctx, s.opt.Timeout)
	items, err := s.index.List(lctx, uid)
	lcancel()
	if err != nil {
		s.writeFrame(ws, errorFrame(err))
		return
	}
	snapshot := frame{Event: "snapshot", Items: items}

	pump(s, ctx, ws, st.ID, &snapshot, st.C(), func(ev notify.RecentEvent) (frame, bool) {
		if ev.Err != nil {
			return errorFrame(ev.Err), false
		}
		e := ev.Entry
		return frame{Event: "recent", Entry: &e}, true
	})
}

// openConn starts the read side of ws. The returned context ends when the
// client goes away.
func (s *Server) openConn(parent context.Context, ws *websocket.Conn) (context.Context, context.CancelFunc) {
	metrics.OnlineConns.Inc()
	ctx, cancel := context.WithCancel(parent)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * s.opt.PingPeriod))
	})
	_ = ws.SetReadDeadline(time.Now().Add(2 * s.opt.PingPeriod))
	go func() {
		defer cancel()
		for {
			// clients only send control frames; anything else is ignored
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return ctx, func() {
		cancel()
		_ = ws.Close()
		metrics.OnlineConns.Dec()
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, f frame) error {
	_ = ws.SetWriteDeadline(time.Now().Add(s.opt.WriteWait))
	return ws.WriteJSON(f)
}

// pump writes events to ws in order until the stream ends, a write fails or
// the client leaves. Only this goroutine writes data frames.
func pump[E any](s *Server, ctx context.Context, ws *websocket.Conn, streamID string, first *frame, events <-chan E, render func(E) (frame, bool)) {
	ping := time.NewTicker(s.opt.PingPeriod)
	defer ping.Stop()

	if err := s.writeFrame(ws, frame{Event: "ready", StreamID: streamID}); err != nil {
		return
	}
	if first != nil {
		if err := s.writeFrame(ws, *first); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			f, more := render(ev)
			if err := s.writeFrame(ws, f); err != nil {
				s.log.Debug("ws write failed", zap.String("stream", streamID), zap.Error(err))
				return
			}
			if !more {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, f.Error), time.Now().Add(s.opt.WriteWait))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opt.WriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
