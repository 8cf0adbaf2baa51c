package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/zapdeskhq/zapdesk/internal/events"
)

// MemoryBroker is a Go-channel based broadcast channel for single-process
// deployments and tests. It implements Publisher and hands out per-subscriber
// delivery channels; a slow subscriber drops deliveries rather than blocking
// the publisher.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[int]chan Delivery
	nextID int
	closed bool
	log    *slog.Logger
}

// Delivery is one broadcast envelope as raw bytes plus its routing key.
type Delivery struct {
	Key  string
	Body []byte
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]chan Delivery), log: logger}
}

// Publish fans the envelope out to every subscriber.
func (b *MemoryBroker) Publish(ctx context.Context, key string, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.Warn("publish to closed broker dropped", slog.String("key", key))
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- Delivery{Key: key, Body: body}:
		default:
			b.log.Warn("subscriber buffer full, delivery dropped",
				slog.Int("subscriber", id), slog.String("key", key))
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its delivery channel plus
// an unsubscribe func. The channel is closed on unsubscribe.
func (b *MemoryBroker) Subscribe(buffer int) (<-chan Delivery, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Delivery, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close tears down the broker and all subscriber channels.
func (b *MemoryBroker) Close() error {
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
