package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription receives messages of one topic.
type Subscription struct {
	id      string
	topic   *topic
	created time.Time
	onDrop  DropFunc

	notify chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	buf        []Message
	head, tail int64
	closed     bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic.name }

// Dropped returns the number of messages overwritten before delivery.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Info snapshots the subscription state.
func (s *Subscription) Info() SubscriptionInfo {
	s.mu.Lock()
	pending := int(s.tail - s.head)
	s.mu.Unlock()
	return SubscriptionInfo{
		ID:        s.id,
		Topic:     s.topic.name,
		CreatedAt: s.created,
		Pending:   pending,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Next blocks until a message is available, the context ends, or the
// subscription is closed. Buffered messages are still delivered after close.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := s.TryNext(); ok {
			return m, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if m, ok := s.TryNext(); ok {
				return m, nil
			}
			return Message{}, ErrClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryNext returns the oldest buffered message without blocking.
func (s *Subscription) TryNext() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == s.tail {
		return Message{}, false
	}
	i := s.head % int64(len(s.buf))
	m := s.buf[i]
	s.buf[i] = Message{}
	s.head++
	s.delivered.Add(1)
	return m, true
}

// push appends m, overwriting the oldest message when full. It reports
// whether a message was dropped.
func (s *Subscription) push(m Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.tail-s.head == int64(len(s.buf)) {
		s.head++
		dropped = true
	}
	s.buf[s.tail%int64(len(s.buf))] = m
	s.tail++
	s.mu.Unlock()

	if dropped {
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop(s.topic.name, s.id)
		}
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
