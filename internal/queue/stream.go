// Package queue provides the in-process append-only streams that connect
// the pipeline workers. The Fetcher, Scoring, Decision and Executor stages
// communicate exclusively through these streams rather than shared mutable
// collections; the only cross-worker shared state in the system is the
// decision profile pointer and the rate-limit counters.
package queue

import (
	"context"
	"sync"
)

// Stream is a bounded append-only message stream with a single consumer.
// Append never reorders: messages are delivered in append order.
type Stream[T any] struct {
	ch     chan T
	closed chan struct{}
	once   sync.Once
}

// NewStream creates a stream with the given buffer capacity.
func NewStream[T any](capacity int) *Stream[T] {
	return &Stream[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Append adds a message to the stream, blocking if the buffer is full.
// Returns the context error if ctx is cancelled or the stream is closed
// before the message is accepted.
func (s *Stream[T]) Append(ctx context.Context, msg T) error {
	select {
	case <-s.closed:
		return context.Canceled
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the consumer channel. The channel is closed when the stream
// is closed and drained.
func (s *Stream[T]) Recv() <-chan T {
	return s.ch
}

// Close shuts the stream down. Pending messages already appended remain
// readable; further Appends fail. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

// Broadcaster fans a message stream out to any number of subscribers.
// Used for the UI subscription feed of Actions and AnomalyScores. Slow
// subscribers drop messages rather than stalling the pipeline: the feed is
// a display surface, not the system of record.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold up to
// buffer undelivered messages each.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The unsubscribe function closes the channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every current subscriber. Subscribers whose
// buffers are full miss this message.
func (b *Broadcaster[T]) Publish(msg T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
