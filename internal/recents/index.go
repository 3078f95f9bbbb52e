// Package recents keeps each user's inbox: the newest message per peer.
package recents

import (
	"context"
	"sort"

	"yuim/im-chat/pkg/chat"
)

// Index stores one RecentEntry per (owner, peer), last-write-wins by
// (LastMessageAt, LastMessageID).
type Index interface {
	// Upsert stores e unless a newer entry is already present. applied is
	// false when the write was stale; repeating the current version reports
	// true on every driver.
	Upsert(ctx context.Context, e chat.RecentEntry) (applied bool, err error)
	// List returns owner's entries, newest first.
	List(ctx context.Context, owner chat.UserID) ([]chat.RecentEntry, error)
}

func validate(e chat.RecentEntry) error {
	if err := chat.ValidateUserID("owner_id", e.OwnerID); err != nil {
		return err
	}
	if err := chat.ValidateUserID("peer_id", e.PeerID); err != nil {
		return err
	}
	if e.LastMessageAt.IsZero() {
		return &chat.ValidationError{Field: "last_at", Reason: "missing"}
	}
	return nil
}

func sortEntries(es []chat.RecentEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i].LastMessageAt, es[j].LastMessageAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return es[i].PeerID < es[j].PeerID
	})
}
