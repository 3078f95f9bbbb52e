package chat

import (
	"strings"
	"unicode/utf8"
)

const DefaultMaxTextLen = 4096

// NormalizeText validates a message body and returns it with surrounding
// whitespace removed.
func NormalizeText(text string, maxRunes int) (string, error) {
	if !utf8.ValidString(text) {
		return "", &ValidationError{Field: "text", Reason: "not valid UTF-8"}
	}
	t := strings.TrimSpace(text)
	if t == "" {
		return "", &ValidationError{Field: "text", Reason: "empty"}
	}
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTextLen
	}
	if utf8.RuneCountInString(t) > maxRunes {
		return "", &ValidationError{Field: "text", Reason: "too long"}
	}
	return t, nil
}

// ValidateUserID rejects ids that cannot be used in keys.
func ValidateUserID(field string, id UserID) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Reason: "missing"}
	}
	if strings.ContainsAny(id, ":/ \t\r\n") {
		return &ValidationError{Field: field, Reason: "contains reserved characters"}
	}
	return nil
}

// Validate checks that m has every field required at the write boundary.
func (m Message) Validate() error {
	if m.ID <= 0 {
		return &ValidationError{Field: "msg_id", Reason: "missing"}
	}
	if err := ValidateUserID("sender_id", m.SenderID); err != nil {
		return err
	}
	if err := ValidateUserID("recipient_id", m.RecipientID); err != nil {
		return err
	}
	if m.SentAt.IsZero() {
		return &ValidationError{Field: "sent_at", Reason: "missing"}
	}
	if m.ConversationKey != ConversationKeyOf(m.SenderID, m.RecipientID) {
		return &ValidationError{Field: "conv_key", Reason: "does not match participants"}
	}
	if strings.TrimSpace(m.Text) == "" {
		return &ValidationError{Field: "text", Reason: "empty"}
	}
	return nil
}

// BelongsTo reports whether m may be stored in the log addressed by k.
func (m Message) BelongsTo(k LogKey) bool {
	return (m.SenderID == k.Owner && m.RecipientID == k.Peer) ||
		(m.SenderID == k.Peer && m.RecipientID == k.Owner)
}
