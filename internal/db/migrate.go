package db

import (
	"context"
	"fmt"
)

// Schema migrations, applied in order. Each entry carries both dialects;
// the applied version is tracked in im_schema_version.
var migrations = []struct {
	mysql  string
	sqlite string
}{
	{
		mysql: `
CREATE TABLE IF NOT EXISTS im_chat_msg (
  owner_id     VARCHAR(64)  NOT NULL,
  peer_id      VARCHAR(64)  NOT NULL,
  msg_id       BIGINT       NOT NULL,
  conv_key     VARCHAR(140) NOT NULL,
  sender_id    VARCHAR(64)  NOT NULL,
  recipient_id VARCHAR(64)  NOT NULL,
  text         TEXT         NOT NULL,
  sent_at      BIGINT       NOT NULL,
  PRIMARY KEY (owner_id, peer_id, msg_id),
  KEY idx_chat_msg_order (owner_id, peer_id, sent_at, msg_id)
)`,
		sqlite: `
CREATE TABLE IF NOT EXISTS im_chat_msg (
  owner_id     TEXT    NOT NULL,
  peer_id      TEXT    NOT NULL,
  msg_id       INTEGER NOT NULL,
  conv_key     TEXT    NOT NULL,
  sender_id    TEXT    NOT NULL,
  recipient_id TEXT    NOT NULL,
  text         TEXT    NOT NULL,
  sent_at      INTEGER NOT NULL,
  PRIMARY KEY (owner_id, peer_id, msg_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_msg_order ON im_chat_msg (owner_id, peer_id, sent_at, msg_id);`,
	},
	{
		mysql: `
CREATE TABLE IF NOT EXISTS im_chat_recent (
  owner_id       VARCHAR(64) NOT NULL,
  peer_id        VARCHAR(64) NOT NULL,
  last_msg_id    BIGINT      NOT NULL,
  last_text      TEXT        NOT NULL,
  last_sender_id VARCHAR(64) NOT NULL,
  last_at        BIGINT      NOT NULL,
  meta           TEXT        NOT NULL,
  PRIMARY KEY (owner_id, peer_id),
  KEY idx_chat_recent_owner_at (owner_id, last_at)
)`,
		sqlite: `
CREATE TABLE IF NOT EXISTS im_chat_recent (
  owner_id       TEXT    NOT NULL,
  peer_id        TEXT    NOT NULL,
  last_msg_id    INTEGER NOT NULL,
  last_text      TEXT    NOT NULL,
  last_sender_id TEXT    NOT NULL,
  last_at        INTEGER NOT NULL,
  meta           TEXT    NOT NULL,
  PRIMARY KEY (owner_id, peer_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_recent_owner_at ON im_chat_recent (owner_id, last_at);`,
	},
	{
		mysql: `
CREATE TABLE IF NOT EXISTS im_user (
  user_id    VARCHAR(64)  NOT NULL PRIMARY KEY,
  nickname   VARCHAR(128) NOT NULL DEFAULT '',
  email      VARCHAR(255) NOT NULL DEFAULT '',
  portrait   VARCHAR(512) NOT NULL DEFAULT '',
  deleted    TINYINT      NOT NULL DEFAULT 0
)`,
		sqlite: `
CREATE TABLE IF NOT EXISTS im_user (
  user_id    TEXT    NOT NULL PRIMARY KEY,
  nickname   TEXT    NOT NULL DEFAULT '',
  email      TEXT    NOT NULL DEFAULT '',
  portrait   TEXT    NOT NULL DEFAULT '',
  deleted    INTEGER NOT NULL DEFAULT 0
);`,
	},
	{
		mysql: `
CREATE TABLE IF NOT EXISTS im_outbox (
  id            BIGINT       NOT NULL AUTO_INCREMENT PRIMARY KEY,
  event         VARCHAR(32)  NOT NULL,
  msg_id        BIGINT       NOT NULL,
  conv_key      VARCHAR(140) NOT NULL,
  topic         VARCHAR(128) NOT NULL,
  tag           VARCHAR(64)  NOT NULL,
  payload_json  TEXT         NOT NULL,
  status        TINYINT      NOT NULL DEFAULT 0,
  retry_count   INT          NOT NULL DEFAULT 0,
  next_retry_at BIGINT       NOT NULL,
  last_error    VARCHAR(255) NOT NULL DEFAULT '',
  UNIQUE KEY uk_outbox_event_msg (event, msg_id),
  KEY idx_outbox_due (status, next_retry_at)
)`,
		sqlite: `
CREATE TABLE IF NOT EXISTS im_outbox (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  event         TEXT    NOT NULL,
  msg_id        INTEGER NOT NULL,
  conv_key      TEXT    NOT NULL,
  topic         TEXT    NOT NULL,
  tag           TEXT    NOT NULL,
  payload_json  TEXT    NOT NULL,
  status        INTEGER NOT NULL DEFAULT 0,
  retry_count   INTEGER NOT NULL DEFAULT 0,
  next_retry_at INTEGER NOT NULL,
  last_error    TEXT    NOT NULL DEFAULT '',
  UNIQUE (event, msg_id)
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON im_outbox (status, next_retry_at);`,
	},
}

// Migrate brings the schema up to date.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS im_schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}
	var version int
	err := d.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM im_schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		stmt := migrations[i].mysql
		if d.Dialect == SQLite {
			stmt = migrations[i].sqlite
		}
		// MySQL DDL auto-commits, so each migration is applied and recorded on its own.
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := d.ExecContext(ctx, `INSERT INTO im_schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	return nil
}
