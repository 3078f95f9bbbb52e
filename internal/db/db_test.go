package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-chat/internal/db"
	"yuim/im-chat/internal/db/dbtest"
)

func TestMigrateIsIdempotent(t *testing.T) {
	d := dbtest.Open(t)
	require.NoError(t, d.Migrate(context.Background()))

	var version int
	require.NoError(t, d.QueryRow(`SELECT MAX(version) FROM im_schema_version`).Scan(&version))
	assert.Equal(t, 4, version)

	for _, table := range []string{"im_chat_msg", "im_chat_recent", "im_user", "im_outbox"} {
		var n int
		require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), table)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open(db.Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = db.Open(db.Options{Driver: "sqlite"})
	assert.Error(t, err)
}

func TestDialectInsertIgnore(t *testing.T) {
	assert.Equal(t, "INSERT OR IGNORE", db.SQLite.InsertIgnore())
	assert.Equal(t, "INSERT IGNORE", db.MySQL.InsertIgnore())
}
