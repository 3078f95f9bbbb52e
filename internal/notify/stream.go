package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrOverflow terminates a stream whose consumer fell more than MaxPending
// events behind. Re-subscribe from the last cursor seen.
var ErrOverflow = errors.New("notify: subscriber fell behind")

// Stream delivers events of one subscription in publish order. Publishers
// never block on it: events are queued and a pump goroutine hands them to
// the consumer through C.
type Stream[E any] struct {
	ID string

	out    chan E
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	detachOnce sync.Once
	onDetach   func()

	mu         sync.Mutex
	queue      []E
	fail       error
	wake       chan struct{}
	maxPending int
	errEvent   func(error) E
}

func newStream[E any](parent context.Context, maxPending int, errEvent func(error) E) *Stream[E] {
	ctx, cancel := context.WithCancel(parent)
	return &Stream[E]{
		ID:         uuid.NewString(),
		out:        make(chan E),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		maxPending: maxPending,
		errEvent:   errEvent,
	}
}

// C is closed when the stream ends. A terminal error event, if any, is the
// last value received.
func (s *Stream[E]) C() <-chan E { return s.out }

// Cancel stops the stream. When it returns C is closed and the hub holds no
// reference to the stream. Safe to call more than once.
func (s *Stream[E]) Cancel() {
	s.cancel()
	s.detach()
	s.wg.Wait()
}

func (s *Stream[E]) detach() {
	s.detachOnce.Do(func() {
		s.cancel()
		if s.onDetach != nil {
			s.onDetach()
		}
	})
}

// push queues ev. It reports true when this call overflowed the queue.
func (s *Stream[E]) push(ev E) (overflow bool) {
	s.mu.Lock()
	if s.fail != nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.maxPending {
		s.queue = nil
		s.fail = ErrOverflow
		overflow = true
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.signal()
	return overflow
}

// terminate ends the stream with err after the already queued events.
func (s *Stream[E]) terminate(err error) {
	s.mu.Lock()
	if s.fail == nil {
		s.fail = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Stream[E]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream[E]) next() (ev E, fail error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev = s.queue[0]
		var zero E
		s.queue[0] = zero
		s.queue = s.queue[1:]
		return ev, nil, true
	}
	return ev, s.fail, false
}

func (s *Stream[E]) emit(ev E) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.out <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// start runs the pump. prime, when set, runs first and emits directly (the
// backfill); keep filters queued live events.
func (s *Stream[E]) start(prime func(ctx context.Context, emit func(E) bool) error, keep func(E) bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		defer s.detach()

		if prime != nil {
			if err := prime(s.ctx, s.emit); err != nil {
				if s.ctx.Err() == nil {
					s.emit(s.errEvent(err))
				}
				return
			}
		}
		for {
			ev, fail, ok := s.next()
			switch {
			case ok:
				if keep != nil && !keep(ev) {
					continue
				}
				if !s.emit(ev) {
					return
				}
				continue
			case fail != nil:
				s.emit(s.errEvent(fail))
				return
			}
			select {
			case <-s.wake:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}
