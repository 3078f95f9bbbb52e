package event

import (
	"strconv"

	"yuim/im-chat/pkg/chat"
)

const (
	MsgSend    = "msg_send"
	MsgPartial = "msg_partial"
)

// ChatEvent is the envelope journaled to the outbox and published to MQ
// (Coordinator -> outbox -> MQ -> consumers / reconciliation).
// Treat this as a contract (version it when breaking changes are required).
type ChatEvent struct {
	Event   string            `json:"event"`
	TraceID string            `json:"trace_id,omitempty"`
	TS      int64             `json:"ts"` // unix seconds
	Node    string            `json:"node,omitempty"`
	FromUID string            `json:"from_uid"`
	ToUID   string            `json:"to_uid"`
	ConvKey string            `json:"conv_key"`
	Msg     chat.Message      `json:"msg"`
	Failed  []chat.Step       `json:"failed,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Key is the dedupe key consumers should use (one event kind per message).
func (e *ChatEvent) Key() string {
	return e.Event + ":" + strconv.FormatInt(int64(e.Msg.ID), 10)
}
