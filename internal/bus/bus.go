// Package bus is an in-process publish/subscribe fan-out.
//
// Every subscription owns a bounded ring. When a subscriber falls behind,
// the oldest undelivered message is overwritten and counted as dropped, so
// publishers never block. Delivery is at-most-once and FIFO per subscription.
package bus

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscription ring capacity.
const DefaultBufferSize = 1024

var (
	// ErrClosed is returned once a subscription or the bus has been closed
	// and no buffered messages remain.
	ErrClosed = errors.New("bus: closed")
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("bus: subscription not found")
	// ErrEmptyTopic is returned for a blank topic name.
	ErrEmptyTopic = errors.New("bus: empty topic")
)

// Message is one published payload.
type Message struct {
	Topic   string    `json:"topic"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Payload []byte    `json:"payload"`
}

// DropFunc observes messages discarded under backpressure.
type DropFunc func(topic, subscriptionID string)

// Options configures a Bus.
type Options struct {
	BufferSize int
	OnDrop     DropFunc
}

// Bus fans published messages out to subscribers of a topic.
type Bus struct {
	opts Options

	mu     sync.RWMutex
	topics map[string]*topic
	subs   map[string]*Subscription
	closed bool
}

type topic struct {
	name string

	mu        sync.Mutex
	subs      []*Subscription
	seq       uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{BufferSize: DefaultBufferSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Bus{
		opts:   opts,
		topics: make(map[string]*topic),
		subs:   make(map[string]*Subscription),
	}
}

// TableTopic returns the change topic of a table.
func TableTopic(table string) string {
	return "table." + strings.ToLower(table) + ".changes"
}

// Subscribe registers a new subscription on name.
func (b *Bus) Subscribe(name string) (*Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	t := b.topicLocked(name)
	s := &Subscription{
		id:      uuid.NewString(),
		topic:   t,
		created: time.Now(),
		buf:     make([]Message, b.opts.BufferSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onDrop:  b.opts.OnDrop,
	}

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	b.subs[s.id] = s
	return s, nil
}

// Publish delivers payload to every current subscriber of name and returns
// the number of subscribers reached. Publishing to a topic without
// subscribers is not an error.
func (b *Bus) Publish(name string, payload []byte) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	t.published.Add(1)
	msg := Message{Topic: name, Seq: t.seq, Time: time.Now().UTC(), Payload: payload}
	for _, s := range t.subs {
		if s.push(msg) {
			t.dropped.Add(1)
		}
	}
	return len(t.subs)
}

// Unsubscribe closes and removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(b.subs, id)

	t := s.topic
	t.mu.Lock()
	t.subs = slices.DeleteFunc(t.subs, func(x *Subscription) bool { return x == s })
	empty := len(t.subs) == 0
	t.mu.Unlock()
	// A topic lives only while it has subscribers.
	if empty && b.topics[t.name] == t {
		delete(b.topics, t.name)
	}
	b.mu.Unlock()

	s.close()
	return nil
}

// Lookup returns a live subscription by id.
func (b *Bus) Lookup(id string) (*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[id]
	return s, ok
}

// Close closes every subscription. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	clear(b.subs)
	clear(b.topics)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// TopicStats describes one topic.
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// SubscriptionInfo describes one subscription.
type SubscriptionInfo struct {
	ID        string    `json:"subscription_id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	Pending   int       `json:"pending"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
}

// Stats returns per-topic counters sorted by topic.
func (b *Bus) Stats() []TopicStats {
	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	out := make([]TopicStats, 0, len(topics))
	for _, t := range topics {
		t.mu.Lock()
		n := len(t.subs)
		t.mu.Unlock()
		out = append(out, TopicStats{
			Topic:       t.name,
			Subscribers: n,
			Published:   t.published.Load(),
			Dropped:     t.dropped.Load(),
		})
	}
	slices.SortFunc(out, func(a, b TopicStats) int { return strings.Compare(a.Topic, b.Topic) })
	return out
}

// Subscriptions lists live subscriptions sorted by creation time.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	out := make([]SubscriptionInfo, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Info())
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(a, b SubscriptionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name}
		b.topics[name] = t
	}
	return t
}
