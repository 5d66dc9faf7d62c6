// Package stream provides the observable value used to publish connection,
// reconnect, statistics and battery state between components.
package stream

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// State holds the latest value of T and fans every update out to its
// subscribers. A new subscriber receives the current value first. Updates are
// delivered in order; a subscriber that falls a full buffer behind loses its
// oldest pending values, never the newest one.
type State[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[chan T]struct{}
}

func New[T any](initial T) *State[T] {
	return &State[T]{
		value: initial,
		subs:  make(map[chan T]struct{}),
	}
}

func (s *State[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = v
	for ch := range s.subs {
		offer(ch, v)
	}
}

// Update applies fn to the current value atomically and publishes the result
// when fn reports a change.
func (s *State[T]) Update(fn func(T) (T, bool)) T {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed := fn(s.value)
	if !changed {
		return s.value
	}
	s.value = next
	for ch := range s.subs {
		offer(ch, next)
	}
	return next
}

// Subscribe returns a channel carrying the current value followed by every
// later update. The channel is closed once ctx is done.
func (s *State[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, subscriberBuffer)

	s.mu.Lock()
	ch <- s.value
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
