package pubsub

import (
	"context"

	"github.com/zapdeskhq/zapdesk/internal/events"
)

// Tee publishes every envelope to all wrapped publishers. Used to fan one
// publish out to both the broker and the in-process bridge feeding SSE
// clients. The first error is returned after every publisher has run.
type Tee []Publisher

func (t Tee) Publish(ctx context.Context, key string, env events.Envelope) error {
	var first error
	for _, p := range t {
		if err := p.Publish(ctx, key, env); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) Close() error {
	var first error
	for _, p := range t {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
