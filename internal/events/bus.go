package events

import (
	"sync"
	"time"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish fans the envelope out without blocking; slow subscribers miss messages.
func (b *Bus) Publish(env Envelope) {
	if b == nil {
		return
	}
	if env.At.IsZero() {
		env.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[env.Event] {
		select {
		case ch <- env:
		default:
		}
	}
}

// Emit is Publish for a single user's payload.
func (b *Bus) Emit(userID string, e Event, payload any) {
	b.Publish(Envelope{UserID: userID, Event: e, Payload: payload})
}

// Subscribers reports how many listeners an event currently has.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}
