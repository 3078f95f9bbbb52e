// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"yuim/im-chat/internal/db"
)

// Open returns a migrated SQLite database under t.TempDir().
func Open(t *testing.T) *db.DB {
	t.Helper()

	d, err := db.Open(db.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "im-chat.db")})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("close test db: %v", err)
		}
	})
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return d
}
