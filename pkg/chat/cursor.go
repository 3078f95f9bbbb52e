package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Cursor marks a position in a conversation log. The zero value is the
// position before the first message.
type Cursor struct {
	SentAt int64 // unix microseconds
	ID     MessageID
}

func (c Cursor) IsZero() bool { return c.SentAt == 0 && c.ID == 0 }

// Before orders cursors by (SentAt, ID).
func (c Cursor) Before(o Cursor) bool {
	if c.SentAt != o.SentAt {
		return c.SentAt < o.SentAt
	}
	return c.ID < o.ID
}

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.SentAt, 36) + "." + strconv.FormatInt(int64(c.ID), 36)
}

// ParseCursor decodes the opaque form produced by Cursor.String. The empty
// string is the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	at, id, ok := strings.Cut(s, ".")
	if !ok {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: "malformed"}
	}
	sentAt, err := strconv.ParseInt(at, 36, 64)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: fmt.Sprintf("bad time part: %v", err)}
	}
	n, err := strconv.ParseInt(id, 36, 64)
	if err != nil {
		return Cursor{}, &ValidationError{Field: "cursor", Reason: fmt.Sprintf("bad id part: %v", err)}
	}
	return Cursor{SentAt: sentAt, ID: MessageID(n)}, nil
}

func (c Cursor) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Cursor) UnmarshalText(b []byte) error {
	v, err := ParseCursor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
