// Package events fans transaction lifecycle events out to in-process
// subscribers such as websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/txcoord/txcoord/pkg/txn"
)

const defaultBuffer = 64

// Broadcaster is a txn.EventSink that copies every event to each
// subscriber. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan txn.Event]struct{}
	closed      bool
	onDrop      func()
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithDropHook is called once per event a subscriber missed.
func WithDropHook(fn func()) Option {
	return func(b *Broadcaster) {
		if fn != nil {
			b.onDrop = fn
		}
	}
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[chan txn.Event]struct{}),
		onDrop:      func() {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel receiving every future event. It is closed by
// Unsubscribe or Close.
func (b *Broadcaster) Subscribe(buffer int) chan txn.Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan txn.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan txn.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish implements txn.EventSink. It never blocks.
func (b *Broadcaster) Publish(event txn.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock so no channel is closed mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.onDrop()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels. Later events are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
