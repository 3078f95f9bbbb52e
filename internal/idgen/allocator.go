package idgen

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/sonyflake"

	"yuim/im-chat/pkg/chat"
)

// Allocator hands out message ids together with a strictly increasing
// microsecond timestamp, so id order and sentAt order always agree.
type Allocator struct {
	sf  *sonyflake.Sonyflake
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

type Options struct {
	// MachineID overrides sonyflake's private-IP derived machine id.
	MachineID uint16
	Now       func() time.Time
}

func New(opt Options) (*Allocator, error) {
	st := sonyflake.Settings{}
	if opt.MachineID != 0 {
		mid := opt.MachineID
		st.MachineID = func() (uint16, error) { return mid, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("idgen: sonyflake init failed (set node_id when no private IP is available)")
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Allocator{sf: sf, now: now}, nil
}

// Next returns a fresh id and sentAt.
func (a *Allocator) Next() (chat.MessageID, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.sf.NextID()
	if err != nil {
		return 0, time.Time{}, err
	}
	t := a.now().UTC().Truncate(time.Microsecond)
	if !t.After(a.last) {
		t = a.last.Add(time.Microsecond)
	}
	a.last = t
	return chat.MessageID(id), t, nil
}
