package balancecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tokligence/tokligence-credits/internal/logging"
)

// DefaultChannel is the Redis pub/sub channel carrying invalidations.
const DefaultChannel = "credits:invalidate"

// RedisBus publishes invalidations over Redis pub/sub so every creditsd
// replica drops its copy of a balance.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *logging.Leveled

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBus wraps client. The caller keeps ownership of client.
func NewRedisBus(client redis.UniversalClient, channel string, logger *logging.Leveled) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisBus{client: client, channel: channel, logger: logger, subs: make(map[*redis.PubSub]struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("balancecache: encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("balancecache: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription to be confirmed so no later publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("balancecache: subscribe: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusClosed
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer b.release(ps)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warnf("drop malformed invalidation: %v", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) release(ps *redis.PubSub) {
	b.mu.Lock()
	delete(b.subs, ps)
	b.mu.Unlock()
	_ = ps.Close()
}

// Close ends every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return nil
}
