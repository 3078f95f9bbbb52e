// Package outbox journals delivery events in im_outbox and relays them to MQ.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"yuim/im-chat/internal/db"
	"yuim/im-chat/pkg/event"
)

type Record struct {
	ID          int64
	Event       string
	MsgID       int64
	ConvKey     string
	Topic       string
	Tag         string
	PayloadJSON string
	Status      int
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

const (
	StatusPending = 0
	StatusSent    = 1
)

type Repo struct {
	db    *db.DB
	topic string
	tag   string
	now   func() time.Time
}

func NewRepo(d *db.DB, topic, tag string) *Repo {
	if tag == "" {
		tag = "*"
	}
	return &Repo{db: d, topic: topic, tag: tag, now: time.Now}
}

// Enqueue journals ev for the relay. It is idempotent by UNIQUE(event,
// msg_id): a repeated event refreshes the payload and becomes pending and
// due again, even if an earlier copy was already sent.
func (r *Repo) Enqueue(ctx context.Context, ev *event.ChatEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Event, err)
	}
	stmt := `
INSERT INTO im_outbox (event, msg_id, conv_key, topic, tag, payload_json, status, retry_count, next_retry_at)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
ON DUPLICATE KEY UPDATE
  payload_json=VALUES(payload_json),
  topic=VALUES(topic),
  tag=VALUES(tag),
  status=0,
  retry_count=0,
  next_retry_at=LEAST(next_retry_at, VALUES(next_retry_at))`
	if r.db.Dialect == db.SQLite {
		stmt = `
INSERT INTO im_outbox (event, msg_id, conv_key, topic, tag, payload_json, status, retry_count, next_retry_at)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
ON CONFLICT (event, msg_id) DO UPDATE SET
  payload_json=excluded.payload_json,
  topic=excluded.topic,
  tag=excluded.tag,
  status=0,
  retry_count=0,
  next_retry_at=MIN(next_retry_at, excluded.next_retry_at)`
	}
	_, err = r.db.ExecContext(ctx, stmt,
		ev.Event, int64(ev.Msg.ID), ev.ConvKey, r.topic, r.tag, string(payload), r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue %s event: %w", ev.Event, err)
	}
	return nil
}

func (r *Repo) FetchDue(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event, msg_id, conv_key, topic, tag, payload_json, status, retry_count, next_retry_at, last_error
FROM im_outbox
WHERE status = 0 AND next_retry_at <= ?
ORDER BY id ASC
LIMIT ?`, r.now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var next int64
		if err := rows.Scan(&rec.ID, &rec.Event, &rec.MsgID, &rec.ConvKey, &rec.Topic, &rec.Tag, &rec.PayloadJSON,
			&rec.Status, &rec.RetryCount, &next, &rec.LastError); err != nil {
			return nil, err
		}
		rec.NextRetryAt = time.UnixMilli(next)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE im_outbox SET status=1, last_error='' WHERE id=?`, id)
	return err
}

func (r *Repo) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error {
	if backoff <= 0 {
		backoff = time.Second
	}
	_, err := r.db.ExecContext(ctx, `UPDATE im_outbox SET retry_count=?, last_error=?, next_retry_at=? WHERE id=?`,
		retryCount, truncate(lastErr, 255), r.now().Add(backoff).UnixMilli(), id)
	return err
}

// Defer pushes a record back without counting a failed attempt.
func (r *Repo) Defer(ctx context.Context, id int64, d time.Duration) error {
	_, err := r.db.ExecContext(ctx, `UPDATE im_outbox SET next_retry_at=? WHERE id=?`, r.now().Add(d).UnixMilli(), id)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
