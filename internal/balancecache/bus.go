package balancecache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("balancecache: bus closed")

// Message announces that the cached balance of UserID is stale. An empty
// UserID invalidates every entry.
type Message struct {
	UserID string    `json:"user_id"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// Bus carries invalidation messages between cache instances and open tabs.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns a channel that receives every message published after
	// the call returns. The channel is closed when ctx ends or the bus closes.
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}

const subscriberBuffer = 64

// LocalBus fans messages out to in-process subscribers. A subscriber that
// falls more than its buffer behind loses messages; cache TTL bounds the
// resulting staleness.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	next   int
	closed bool
}

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Message)}
}

func (b *LocalBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.next
	b.next++
	ch := make(chan Message, subscriberBuffer)
	b.subs[id] = ch
	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch, nil
}

func (b *LocalBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close ends every subscription. Subscription goroutines still exit when
// their contexts end.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
