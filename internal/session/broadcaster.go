package session

import (
	"sync"

	"pollster-audit/internal/models"
)

// Broadcaster fans session events out to every subscribed event stream.
// Slow subscribers lose events rather than stall the session.
type Broadcaster struct {
	buffer int

	mu      sync.Mutex
	subs    map[chan models.Event]struct{}
	closed  bool
	dropped int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer events
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[chan models.Event]struct{}),
	}
}

// Subscribe returns a channel of events and a func that ends the
// subscription. The channel is closed when either runs.
func (b *Broadcaster) Subscribe() (<-chan models.Event, func()) {
	ch := make(chan models.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish implements coordinator.Publisher
func (b *Broadcaster) Publish(e models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close ends every subscription
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
