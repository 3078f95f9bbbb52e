// Package directory resolves user ids to display metadata. The core only
// checks that users exist and copies their metadata into inbox entries.
package directory

import (
	"context"

	"yuim/im-chat/pkg/chat"
)

type Directory interface {
	// Lookup returns chat.ErrUnknownUser for ids that do not exist.
	Lookup(ctx context.Context, id chat.UserID) (chat.PeerMeta, error)
}

// User is a directory record.
type User struct {
	ID          chat.UserID `yaml:"id" json:"id"`
	DisplayName string      `yaml:"display_name" json:"display_name"`
	Email       string      `yaml:"email" json:"email"`
	AvatarURL   string      `yaml:"avatar_url" json:"avatar_url"`
}

func (u User) Meta() chat.PeerMeta {
	return chat.PeerMeta{DisplayName: u.DisplayName, Email: u.Email, AvatarURL: u.AvatarURL}
}
