package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"yuim/im-chat/internal/db"
	"yuim/im-chat/pkg/chat"
)

// SQL reads users from im_user.
type SQL struct {
	db *db.DB
}

func NewSQL(d *db.DB) *SQL { return &SQL{db: d} }

func (s *SQL) Lookup(ctx context.Context, id chat.UserID) (chat.PeerMeta, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT nickname, email, portrait FROM im_user WHERE user_id=? AND deleted=0 LIMIT 1", id).
		Scan(&u.DisplayName, &u.Email, &u.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.PeerMeta{}, chat.ErrUnknownUser
	}
	if err != nil {
		return chat.PeerMeta{}, fmt.Errorf("lookup user %s: %w", id, err)
	}
	return u.Meta(), nil
}

// Put creates or replaces a user row.
func (s *SQL) Put(ctx context.Context, u User) error {
	stmt := `INSERT INTO im_user (user_id, nickname, email, portrait, deleted) VALUES (?, ?, ?, ?, 0)
ON DUPLICATE KEY UPDATE nickname=VALUES(nickname), email=VALUES(email), portrait=VALUES(portrait), deleted=0`
	if s.db.Dialect == db.SQLite {
		stmt = `INSERT INTO im_user (user_id, nickname, email, portrait, deleted) VALUES (?, ?, ?, ?, 0)
ON CONFLICT (user_id) DO UPDATE SET nickname=excluded.nickname, email=excluded.email, portrait=excluded.portrait, deleted=0`
	}
	if _, err := s.db.ExecContext(ctx, stmt, u.ID, u.DisplayName, u.Email, u.AvatarURL); err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}
