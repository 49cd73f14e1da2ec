// Package eventbus distributes live-ingest notifications to in-process
// consumers. Delivery is non-blocking: a subscriber that cannot keep up loses
// notifications (and its drop count records that) rather than stalling the
// tailer. Consumers select the payloads they care about with a type switch —
// there are no string topics.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"cantonscan-ingest/internal/models"
)

// Notification is one bus message. UpdateIngested and CursorAdvanced are the
// full set of concrete types.
type Notification interface {
	notification()
}

// UpdateIngested announces a normalized update handed to the writer by the
// live tailer.
type UpdateIngested struct {
	Update models.UpdateRecord
}

// CursorAdvanced announces a persisted live-cursor position.
type CursorAdvanced struct {
	MigrationID  int
	RecordTime   time.Time
	TotalUpdates int64
	TotalEvents  int64
}

func (UpdateIngested) notification() {}
func (CursorAdvanced) notification() {}

// Subscription is one consumer's handle on the bus. Receive from C; call
// Cancel when done. C is closed by Cancel and by Bus.Close.
type Subscription struct {
	C <-chan Notification

	ch      chan Notification
	id      int
	bus     *Bus
	dropped atomic.Int64
}

// Dropped reports how many notifications this subscriber has missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.cancel(s.id)
}

// Bus fans notifications out to all live subscriptions. Safe for concurrent
// use by one publisher (the tailer) and any number of subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a consumer with the given channel buffer. Once the
// buffer is full, further notifications are dropped for this consumer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish offers a notification to every subscriber without blocking. After
// Close it is a no-op.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close shuts the bus down: every subscription channel is closed (consumers
// see their receive loops end) and later Publish calls do nothing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) cancel(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}
