package chat

import (
	"strings"
	"time"
)

type UserID = string

// MessageID is server-allocated and increases monotonically within a node.
type MessageID int64

// Message is a persisted one-to-one chat message. Both parties' logs hold an
// identical copy.
type Message struct {
	ID              MessageID       `json:"msg_id,string"`
	ConversationKey ConversationKey `json:"conv_key"`
	SenderID        UserID          `json:"sender_id"`
	RecipientID     UserID          `json:"recipient_id"`
	Text            string          `json:"text"`
	SentAt          time.Time       `json:"sent_at"`
}

func (m Message) Cursor() Cursor {
	return Cursor{SentAt: m.SentAt.UnixMicro(), ID: m.ID}
}

// Peer returns the other party of m as seen by owner.
func (m Message) Peer(owner UserID) UserID {
	if m.SenderID == owner {
		return m.RecipientID
	}
	return m.SenderID
}

// ConversationKey identifies the unordered pair of participants.
type ConversationKey string

// ConversationKeyOf is symmetric: ConversationKeyOf(a, b) == ConversationKeyOf(b, a).
func ConversationKeyOf(a, b UserID) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey("p2p:" + a + ":" + b)
}

// Participants splits the key back into its (sorted) user ids.
func (k ConversationKey) Participants() (UserID, UserID, bool) {
	rest, ok := strings.CutPrefix(string(k), "p2p:")
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// LogKey addresses one directional conversation log: Owner's view of the
// conversation with Peer.
type LogKey struct {
	Owner UserID
	Peer  UserID
}

func (k LogKey) ConversationKey() ConversationKey { return ConversationKeyOf(k.Owner, k.Peer) }

func (k LogKey) String() string { return k.Owner + "/" + k.Peer }

// Mirror is the same conversation seen from the peer's side.
func (k LogKey) Mirror() LogKey { return LogKey{Owner: k.Peer, Peer: k.Owner} }

// PeerMeta is display data from the user directory, stored denormalized in
// recent entries.
type PeerMeta struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RecentEntry summarizes the newest message of one conversation for the
// owner's inbox.
type RecentEntry struct {
	OwnerID         UserID    `json:"owner_id"`
	PeerID          UserID    `json:"peer_id"`
	LastMessageID   MessageID `json:"last_msg_id,string"`
	LastMessageText string    `json:"last_text"`
	LastSenderID    UserID    `json:"last_sender_id"`
	LastMessageAt   time.Time `json:"last_at"`
	PeerMeta        PeerMeta  `json:"peer_meta"`
}

// Supersedes reports whether e should replace old under last-write-wins.
// Equal versions supersede so that retried writes stay idempotent.
func (e RecentEntry) Supersedes(old RecentEntry) bool {
	a, b := e.LastMessageAt.UnixMicro(), old.LastMessageAt.UnixMicro()
	if a != b {
		return a > b
	}
	return e.LastMessageID >= old.LastMessageID
}

// RecentFor builds owner's inbox entry for m.
func RecentFor(owner UserID, m Message, meta PeerMeta) RecentEntry {
	return RecentEntry{
		OwnerID:         owner,
		PeerID:          m.Peer(owner),
		LastMessageID:   m.ID,
		LastMessageText: m.Text,
		LastSenderID:    m.SenderID,
		LastMessageAt:   m.SentAt,
		PeerMeta:        meta,
	}
}

// Receipt is returned to the sender once the message is persisted.
type Receipt struct {
	MessageID       MessageID       `json:"msg_id,string"`
	SentAt          time.Time       `json:"sent_at"`
	ConversationKey ConversationKey `json:"conv_key"`
	Cursor          Cursor          `json:"cursor"`
}
