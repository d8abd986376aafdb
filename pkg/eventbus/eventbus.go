package eventbus

// Typed pub/sub used to fan rotation events (circuit transitions, pool
// membership changes) out to observers without coupling the producers to
// them. Delivery is best-effort: a slow subscriber loses its oldest buffered
// event rather than stalling the publisher.

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

const DefaultBufferSize = 128

// Bus carries events of a single type T to any number of subscribers.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	seq         atomic.Uint64
	closed      atomic.Bool
	bufferSize  int
}

type subscriber[T any] struct {
	mu      sync.Mutex
	ch      chan T
	gone    bool
	evicted uint64
}

func New[T any]() *Bus[T] {
	return NewSized[T](DefaultBufferSize)
}

func NewSized[T any](bufferSize int) *Bus[T] {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber. The returned channel closes when the
// context is cancelled, the returned unsubscribe func runs, or the bus shuts
// down.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.closed.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub-" + strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber[T]{ch: make(chan T, b.bufferSize)}
	b.subscribers.Store(id, sub)

	stop := context.AfterFunc(ctx, func() {
		b.drop(id)
	})

	return sub.ch, func() {
		stop()
		b.drop(id)
	}
}

// Publish delivers the event to every live subscriber, evicting the oldest
// buffered event for a subscriber whose buffer is full. Returns the number of
// subscribers that received the event.
func (b *Bus[T]) Publish(event T) int {
	if b.closed.Load() {
		return 0
	}

	delivered := 0
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		if sub.deliver(event) {
			delivered++
		}
		return true
	})
	return delivered
}

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus[T]) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		sub.retire()
		return true
	})
	b.subscribers.Clear()
}

// Stats reports subscriber count and the total number of events evicted from
// full buffers since the bus was created.
func (b *Bus[T]) Stats() Stats {
	s := Stats{Closed: b.closed.Load()}
	b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
		s.Subscribers++
		sub.mu.Lock()
		s.Evicted += sub.evicted
		sub.mu.Unlock()
		return true
	})
	return s
}

type Stats struct {
	Subscribers int
	Evicted     uint64
	Closed      bool
}

func (b *Bus[T]) drop(id string) {
	if sub, ok := b.subscribers.LoadAndDelete(id); ok {
		sub.retire()
	}
}

// deliver sends under the subscriber mutex so a concurrent retire cannot
// close the channel mid-send.
func (s *subscriber[T]) deliver(event T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return false
	}
	for {
		select {
		case s.ch <- event:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.evicted++
		default:
		}
	}
}

func (s *subscriber[T]) retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gone {
		s.gone = true
		close(s.ch)
	}
}
