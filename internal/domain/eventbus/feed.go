package eventbus

import (
	"context"
	"sync"
)

// Feed broadcasts values of T to any number of subscribers. A new subscriber
// first receives the most recent value, if any. Delivery to each subscriber is
// in publish order and never drops; a slow subscriber only delays itself.
type Feed[T any] struct {
	mu   sync.Mutex
	last T
	has  bool
	subs map[uint64]*feedSub[T]
	next uint64
}

type feedSub[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	out   chan T
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]*feedSub[T])}
}

// NewFeedWith creates a feed whose initial value is replayed to subscribers.
func NewFeedWith[T any](initial T) *Feed[T] {
	f := NewFeed[T]()
	f.last, f.has = initial, true
	return f
}

// Publish records v as the latest value and queues it for every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last, f.has = v, true
	for _, s := range f.subs {
		s.push(v)
	}
}

// Last returns the latest published value.
func (f *Feed[T]) Last() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.has
}

// Subscribe returns a channel closed when ctx ends.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	s := &feedSub[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}

	f.mu.Lock()
	id := f.next
	f.next++
	if f.has {
		s.push(f.last)
	}
	f.subs[id] = s
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(s.out)
		}()
		s.pump(ctx)
	}()
	return s.out
}

// Subscribers reports how many subscriptions are live.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (s *feedSub[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *feedSub[T]) pump(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
