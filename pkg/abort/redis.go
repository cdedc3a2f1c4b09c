package abort

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis Pub/Sub channel used when none is configured.
const DefaultChannel = "txcoord:abort"

// RedisBus distributes abort signals over Redis Pub/Sub so that an abort
// request received by one coordinator reaches the one running the
// transaction.
type RedisBus struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus creates a bus on channel, or DefaultChannel if empty.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, sig Signal) error {
	if sig.TxID == "" {
		return ErrEmptyTxID
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now().UTC()
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal abort signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish abort signal: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no signal published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.subs = append(b.subs, pubsub)

	out := make(chan Signal, defaultBufSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sig Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil || sig.TxID == "" {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	return b.client.Ping(ctx).Err() == nil
}

// Close stops every subscription. The client stays open; it belongs to
// the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return nil
}
