// Package eventbus is a small in-memory fanout used to observe tasks.
//
// Publish never blocks: every subscriber owns a buffered channel and events
// that do not fit are dropped for that subscriber only.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single notification. Data is owned by the publisher and must be
// treated as read-only by subscribers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber. When types is non-empty only
	// events whose Type is listed are delivered. The returned func removes the
	// subscription and closes the channel; it is safe to call more than once.
	Subscribe(buffer int, types ...string) (<-chan Event, func())
}

const defaultBuffer = 16

// New returns an empty in-memory bus.
func New() Bus {
	return &memBus{subs: make(map[uint64]*subscriber)}
}

type subscriber struct {
	ch     chan Event
	filter map[string]struct{}

	// mu serializes sends against close so unsubscribe never races a delivery.
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

func (s *subscriber) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.deliver(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full. It returns 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
