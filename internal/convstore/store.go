// Package convstore persists directional conversation logs.
package convstore

import (
	"context"
	"time"

	"yuim/im-chat/pkg/chat"
)

// Store is an append-only, time-ordered message log per directional
// conversation. Appends to one log are linearized; distinct logs are
// independent.
type Store interface {
	// Append persists msg into the log addressed by key. A message without an
	// id gets one from the store's allocator. Appending an id the log already
	// holds is a no-op that returns that id.
	Append(ctx context.Context, key chat.LogKey, msg chat.Message) (chat.MessageID, error)
	// ListSince returns up to limit messages strictly after cursor, ordered by
	// (SentAt, ID) ascending.
	ListSince(ctx context.Context, key chat.LogKey, after chat.Cursor, limit int) ([]chat.Message, error)
}

// IDAllocator assigns message ids and server timestamps.
type IDAllocator interface {
	Next() (chat.MessageID, time.Time, error)
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// prepare fills server-assigned fields and validates msg for key.
func prepare(alloc IDAllocator, key chat.LogKey, msg chat.Message) (chat.Message, error) {
	if msg.ID == 0 || msg.SentAt.IsZero() {
		if alloc == nil {
			return msg, &chat.ValidationError{Field: "msg_id", Reason: "missing and no allocator configured"}
		}
		id, at, err := alloc.Next()
		if err != nil {
			return msg, &chat.WriteError{Op: "allocate", Err: err}
		}
		if msg.ID == 0 {
			msg.ID = id
		}
		if msg.SentAt.IsZero() {
			msg.SentAt = at
		}
	}
	msg.SentAt = msg.SentAt.UTC().Truncate(time.Microsecond)
	if msg.ConversationKey == "" {
		msg.ConversationKey = chat.ConversationKeyOf(msg.SenderID, msg.RecipientID)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	if !msg.BelongsTo(key) {
		return msg, &chat.ValidationError{Field: "log", Reason: "message does not belong to " + key.String()}
	}
	return msg, nil
}
