package recents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-chat/internal/db/dbtest"
	"yuim/im-chat/pkg/chat"
)

// holds is the fallback MySQL takes when an upsert reports no affected rows.
func TestHoldsTellsRetryFromStaleWrite(t *testing.T) {
	s := NewSQL(dbtest.Open(t))
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cur := chat.RecentEntry{OwnerID: "alice", PeerID: "bob", LastMessageID: 7, LastMessageText: "hi", LastSenderID: "bob", LastMessageAt: at}

	applied, err := s.Upsert(ctx, cur)
	require.NoError(t, err)
	require.True(t, applied)

	ok, err := s.holds(ctx, cur)
	require.NoError(t, err)
	assert.True(t, ok, "identical retry")

	stale := cur
	stale.LastMessageID = 6
	stale.LastMessageAt = at.Add(-time.Second)
	ok, err = s.holds(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	applied, err = s.Upsert(ctx, stale)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = s.Upsert(ctx, cur)
	require.NoError(t, err)
	assert.True(t, applied)
}
