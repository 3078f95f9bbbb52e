package convstore

import (
	"context"

	"yuim/im-chat/pkg/chat"
)

// Iterator lazily pages through a log from a cursor. It is finite: it stops
// at the tail as of the last page read. Resume later from Cursor().
//
//	it := convstore.StreamSince(st, key, cur, 0)
//	for it.Next(ctx) {
//		use(it.Message())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	st       Store
	key      chat.LogKey
	cur      chat.Cursor
	pageSize int

	page []chat.Message
	pos  int
	last bool
	err  error
}

func StreamSince(st Store, key chat.LogKey, from chat.Cursor, pageSize int) *Iterator {
	return &Iterator{st: st, key: key, cur: from, pageSize: clampLimit(pageSize)}
}

func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.last {
			return false
		}
		page, err := it.st.ListSince(ctx, it.key, it.cur, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.page, it.pos = page, 0
		it.last = len(page) < it.pageSize
		if len(page) == 0 {
			return false
		}
	}
	it.cur = it.page[it.pos].Cursor()
	it.pos++
	return true
}

// Message is the element produced by the last successful Next.
func (it *Iterator) Message() chat.Message { return it.page[it.pos-1] }

// Cursor is the position of the last produced message (or the start cursor).
func (it *Iterator) Cursor() chat.Cursor { return it.cur }

func (it *Iterator) Err() error { return it.err }
