package recents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"yuim/im-chat/internal/db"
	"yuim/im-chat/pkg/chat"
)

// SQL keeps entries in im_chat_recent. The conditional upsert only replaces
// a row whose (last_at, last_msg_id) is not newer than the incoming one.
type SQL struct {
	db *db.DB
}

func NewSQL(d *db.DB) *SQL { return &SQL{db: d} }

const sqliteUpsert = `
INSERT INTO im_chat_recent (owner_id, peer_id, last_msg_id, last_text, last_sender_id, last_at, meta)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, peer_id) DO UPDATE SET
  last_msg_id = excluded.last_msg_id,
  last_text = excluded.last_text,
  last_sender_id = excluded.last_sender_id,
  last_at = excluded.last_at,
  meta = excluded.meta
WHERE excluded.last_at > im_chat_recent.last_at
   OR (excluded.last_at = im_chat_recent.last_at AND excluded.last_msg_id >= im_chat_recent.last_msg_id)`

// MySQL evaluates assignments left to right, so last_msg_id and last_at go
// last: once last_msg_id is replaced the condition still holds for last_at,
// and when it is kept the condition stays false.
const mysqlUpsert = `
INSERT INTO im_chat_recent (owner_id, peer_id, last_msg_id, last_text, last_sender_id, last_at, meta)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  last_text = IF(VALUES(last_at) > last_at OR (VALUES(last_at) = last_at AND VALUES(last_msg_id) >= last_msg_id), VALUES(last_text), last_text),
  last_sender_id = IF(VALUES(last_at) > last_at OR (VALUES(last_at) = last_at AND VALUES(last_msg_id) >= last_msg_id), VALUES(last_sender_id), last_sender_id),
  meta = IF(VALUES(last_at) > last_at OR (VALUES(last_at) = last_at AND VALUES(last_msg_id) >= last_msg_id), VALUES(meta), meta),
  last_msg_id = IF(VALUES(last_at) > last_at OR (VALUES(last_at) = last_at AND VALUES(last_msg_id) >= last_msg_id), VALUES(last_msg_id), last_msg_id),
  last_at = IF(VALUES(last_at) > last_at OR (VALUES(last_at) = last_at AND VALUES(last_msg_id) >= last_msg_id), VALUES(last_at), last_at)`

func (s *SQL) Upsert(ctx context.Context, e chat.RecentEntry) (bool, error) {
	if err := validate(e); err != nil {
		return false, err
	}
	meta, err := json.Marshal(e.PeerMeta)
	if err != nil {
		return false, err
	}
	stmt := mysqlUpsert
	if s.db.Dialect == db.SQLite {
		stmt = sqliteUpsert
	}
	res, err := s.db.ExecContext(ctx, stmt,
		e.OwnerID, e.PeerID, int64(e.LastMessageID), e.LastMessageText, e.LastSenderID, e.LastMessageAt.UnixMicro(), string(meta))
	if err != nil {
		return false, &chat.WriteError{Op: "upsert recent " + e.OwnerID + "/" + e.PeerID, Err: err}
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		return true, nil
	}
	// MySQL reports 0 rows for an update that changes nothing, which is both
	// the stale case and an identical retry; the stored version tells them apart.
	return s.holds(ctx, e)
}

// holds reports whether the stored entry for (owner, peer) carries e's version.
func (s *SQL) holds(ctx context.Context, e chat.RecentEntry) (bool, error) {
	var at, id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_at, last_msg_id FROM im_chat_recent WHERE owner_id = ? AND peer_id = ?`,
		e.OwnerID, e.PeerID).Scan(&at, &id)
	if err != nil {
		return false, &chat.WriteError{Op: "read recent " + e.OwnerID + "/" + e.PeerID, Err: err}
	}
	return at == e.LastMessageAt.UnixMicro() && id == int64(e.LastMessageID), nil
}

func (s *SQL) List(ctx context.Context, owner chat.UserID) ([]chat.RecentEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT peer_id, last_msg_id, last_text, last_sender_id, last_at, meta
FROM im_chat_recent
WHERE owner_id = ?
ORDER BY last_at DESC, peer_id ASC
`, owner)
	if err != nil {
		return nil, fmt.Errorf("list recents %s: %w", owner, err)
	}
	defer rows.Close()

	var out []chat.RecentEntry
	for rows.Next() {
		var (
			e      = chat.RecentEntry{OwnerID: owner}
			id, at int64
			meta   string
		)
		if err := rows.Scan(&e.PeerID, &id, &e.LastMessageText, &e.LastSenderID, &at, &meta); err != nil {
			return nil, fmt.Errorf("scan recents %s: %w", owner, err)
		}
		e.LastMessageID = chat.MessageID(id)
		e.LastMessageAt = time.UnixMicro(at).UTC()
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.PeerMeta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
