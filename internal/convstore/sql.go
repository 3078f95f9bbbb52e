package convstore

import (
	"context"
	"fmt"
	"time"

	"yuim/im-chat/internal/db"
	"yuim/im-chat/pkg/chat"
)

// SQL stores logs in im_chat_msg. The primary key (owner_id, peer_id, msg_id)
// makes a replayed append a no-op.
type SQL struct {
	db    *db.DB
	alloc IDAllocator
}

func NewSQL(d *db.DB, alloc IDAllocator) *SQL { return &SQL{db: d, alloc: alloc} }

func (s *SQL) Append(ctx context.Context, key chat.LogKey, msg chat.Message) (chat.MessageID, error) {
	msg, err := prepare(s.alloc, key, msg)
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx, s.db.Dialect.InsertIgnore()+` INTO im_chat_msg
(owner_id, peer_id, msg_id, conv_key, sender_id, recipient_id, text, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Owner, key.Peer, int64(msg.ID), string(msg.ConversationKey), msg.SenderID, msg.RecipientID, msg.Text, msg.SentAt.UnixMicro())
	if err != nil {
		return 0, &chat.WriteError{Op: "append " + key.String(), Err: err}
	}
	return msg.ID, nil
}

func (s *SQL) ListSince(ctx context.Context, key chat.LogKey, after chat.Cursor, limit int) ([]chat.Message, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT msg_id, conv_key, sender_id, recipient_id, text, sent_at
FROM im_chat_msg
WHERE owner_id = ? AND peer_id = ?
  AND (sent_at > ? OR (sent_at = ? AND msg_id > ?))
ORDER BY sent_at ASC, msg_id ASC
LIMIT ?
`, key.Owner, key.Peer, after.SentAt, after.SentAt, int64(after.ID), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			m      chat.Message
			id     int64
			conv   string
			sentAt int64
		)
		if err := rows.Scan(&id, &conv, &m.SenderID, &m.RecipientID, &m.Text, &sentAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", key, err)
		}
		m.ID = chat.MessageID(id)
		m.ConversationKey = chat.ConversationKey(conv)
		m.SentAt = time.UnixMicro(sentAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	return out, nil
}
