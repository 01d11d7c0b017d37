package events

import (
	"context"
	"sync"

	"github.com/Klingon-tech/klingnet-registry/internal/log"
	"github.com/Klingon-tech/klingnet-registry/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Bus fans events out to in-process subscribers. Publish never blocks: a
// subscriber whose queue is full misses the event and the drop is logged.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	metrics *metrics.Metrics
}

// Subscription receives events on C until it is cancelled or the bus
// closes.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	id    uint64
	kinds map[Kind]bool
	bus   *Bus
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int, m *metrics.Metrics) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe registers a subscriber for the given kinds, or for every kind
// when none are given.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

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

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

func (s *Subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.metrics.EventDropped()
			log.Events.Warn().
				Str("kind", string(e.Kind)).
				Str("token_id", e.TokenID.String()).
				Uint64("subscriber", sub.id).
				Msg("Subscriber queue full, event dropped")
		}
	}
	b.metrics.EventPublished(string(e.Kind))
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes fail with ErrClosed.
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
