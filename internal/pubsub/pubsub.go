// Package pubsub provides a typed broadcaster for status streams.
package pubsub

import "sync"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Broadcaster fans out values to subscribers and remembers the latest one.
// A subscriber that falls behind loses its oldest buffered values, never the
// newest, so a status stream always converges on the current state.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	value  T
	has    bool
	buffer int
	closed bool
}

// New creates a broadcaster with no current value.
func New[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// NewWithValue creates a broadcaster seeded with an initial value.
func NewWithValue[T any](initial T, buffer int) *Broadcaster[T] {
	b := New[T](buffer)
	b.value = initial
	b.has = true
	return b
}

// Publish records v as current and delivers it to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.value = v
	b.has = true
	for _, ch := range b.subs {
		deliver(ch, v)
	}
}

// deliver must be called with the lock held; only the publisher sends.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		// full: drop the oldest value and try again
		select {
		case <-ch:
		default:
		}
	}
}

// Current returns the latest value and whether one was ever published.
func (b *Broadcaster[T]) Current() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.has
}

// Subscribe returns a channel of future values. The current value, if any,
// is delivered first. The cancel func closes the channel and is safe to call
// more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.has {
		ch <- b.value
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
