package store

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrBrokerClosed = errors.New("broker closed")

// DefaultSubscriberBuffer is how many notifications a subscriber may lag
// before it is dropped.
const DefaultSubscriberBuffer = 32

// Broker fans notifications out to per-room subscribers in process.
type Broker struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{rooms: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

type Subscription struct {
	C      <-chan Notification
	ch     chan Notification
	roomID string
	broker *Broker
	once   sync.Once
	stop   func() bool
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	s.broker.removeLocked(s)
	s.broker.mu.Unlock()
}

func (b *Broker) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	ch := make(chan Notification, b.buffer)
	sub := &Subscription{C: ch, ch: ch, roomID: roomID, broker: b}
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[*Subscription]struct{})
	}
	b.rooms[roomID][sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Publish never blocks: a full subscriber is dropped.
func (b *Broker) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.rooms[n.RoomID] {
		select {
		case sub.ch <- n:
		default:
			b.removeLocked(sub)
		}
	}
}

// Reset drops every subscriber so each one re-fetches. Used after the
// upstream notification feed was interrupted and changes may have been lost.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.rooms {
		for sub := range subs {
			b.removeLocked(sub)
		}
	}
}

// ResetRoom drops roomID's subscribers so they re-fetch that room.
func (b *Broker) ResetRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.rooms[roomID] {
		b.removeLocked(sub)
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.rooms {
		for sub := range subs {
			b.removeLocked(sub)
		}
	}
}

// Subscribers reports the number of live subscriptions for roomID.
func (b *Broker) Subscribers(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[roomID])
}

func (b *Broker) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		if subs := b.rooms[sub.roomID]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.rooms, sub.roomID)
			}
		}
		if sub.stop != nil {
			sub.stop()
		}
		close(sub.ch)
	})
}
