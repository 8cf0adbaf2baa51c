package pubsub

import (
	"context"
	"log/slog"

	"github.com/zapdeskhq/zapdesk/internal/events"
)

// FallbackPublisher logs and drops envelopes. Used when no broker is
// configured so the rest of the pipeline keeps its shape.
type FallbackPublisher struct {
	log *slog.Logger
}

// NewFallback creates a publisher that skips every publish.
func NewFallback(logger *slog.Logger) Publisher {
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, env events.Envelope) error {
	p.log.Warn("no broker configured, publish skipped",
		slog.String("key", key), slog.String("kind", env.Meta.Type))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
