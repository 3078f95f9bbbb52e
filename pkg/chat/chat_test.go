package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, ConversationKeyOf("alice", "bob"), ConversationKeyOf("bob", "alice"))
	assert.Equal(t, ConversationKey("p2p:alice:bob"), ConversationKeyOf("bob", "alice"))
	assert.Equal(t, ConversationKey("p2p:alice:alice"), ConversationKeyOf("alice", "alice"))

	a, b, ok := ConversationKeyOf("bob", "alice").Participants()
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = ConversationKey("g:12").Participants()
	assert.False(t, ok)
}

func TestLogKeyMirror(t *testing.T) {
	k := LogKey{Owner: "a", Peer: "b"}
	assert.Equal(t, LogKey{Owner: "b", Peer: "a"}, k.Mirror())
	assert.Equal(t, k.ConversationKey(), k.Mirror().ConversationKey())
}

func TestCursorOrderingAndEncoding(t *testing.T) {
	c1 := Cursor{SentAt: 100, ID: 7}
	c2 := Cursor{SentAt: 100, ID: 8}
	c3 := Cursor{SentAt: 101, ID: 1}
	assert.True(t, c1.Before(c2))
	assert.True(t, c2.Before(c3))
	assert.False(t, c3.Before(c1))
	assert.False(t, c1.Before(c1))

	parsed, err := ParseCursor(c3.String())
	require.NoError(t, err)
	assert.Equal(t, c3, parsed)

	zero, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", Cursor{}.String())

	_, err = ParseCursor("garbage")
	assert.True(t, IsValidation(err))
}

func TestNormalizeText(t *testing.T) {
	got, err := NormalizeText("  hello \n", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = NormalizeText(" \t\n ", 0)
	assert.True(t, IsValidation(err))

	_, err = NormalizeText(string([]byte{0xff, 0xfe}), 0)
	assert.True(t, IsValidation(err))

	_, err = NormalizeText(strings.Repeat("é", 11), 10)
	assert.True(t, IsValidation(err))
}

func TestMessageValidate(t *testing.T) {
	m := Message{
		ID:              1,
		ConversationKey: ConversationKeyOf("a", "b"),
		SenderID:        "a",
		RecipientID:     "b",
		Text:            "hi",
		SentAt:          time.Now(),
	}
	require.NoError(t, m.Validate())
	assert.True(t, m.BelongsTo(LogKey{Owner: "a", Peer: "b"}))
	assert.True(t, m.BelongsTo(LogKey{Owner: "b", Peer: "a"}))
	assert.False(t, m.BelongsTo(LogKey{Owner: "a", Peer: "c"}))

	bad := m
	bad.ConversationKey = "p2p:x:y"
	assert.True(t, IsValidation(bad.Validate()))

	bad = m
	bad.SenderID = ""
	assert.True(t, IsValidation(bad.Validate()))
}

func TestRecentSupersedes(t *testing.T) {
	now := time.Now()
	older := RecentEntry{LastMessageID: 5, LastMessageAt: now}
	newer := RecentEntry{LastMessageID: 6, LastMessageAt: now.Add(time.Millisecond)}
	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))
	assert.True(t, older.Supersedes(older), "retries of the same write must apply")

	tie := RecentEntry{LastMessageID: 9, LastMessageAt: now}
	assert.True(t, tie.Supersedes(older))
	assert.False(t, older.Supersedes(tie))
}

func TestPartialDeliveryError(t *testing.T) {
	cause := &WriteError{Op: "append", Err: errors.New("disk gone")}
	err := error(&PartialDeliveryError{MessageID: 3, Failed: []Step{StepRecipientLog, StepRecipientIndex}, Err: cause})

	var pde *PartialDeliveryError
	require.True(t, errors.As(err, &pde))
	assert.True(t, pde.RecipientMissed())
	assert.True(t, IsWrite(err))
	assert.Contains(t, err.Error(), "recipient_log,recipient_index")
}
