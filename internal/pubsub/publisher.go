// Package pubsub provides the realtime broadcast channel between the server
// and connected dashboard clients.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/zapdeskhq/zapdesk/internal/events"
)

// Publisher broadcasts envelopes to all subscribers. Publish is
// fire-and-forget from the caller's perspective: no acknowledgment is awaited
// beyond the transport call succeeding.
type Publisher interface {
	Publish(ctx context.Context, key string, env events.Envelope) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// NewPublisher connects to RabbitMQ and declares the topic exchange.
func NewPublisher(url, exchange string, logger *slog.Logger) (Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return newPublisher(conn, exchange, logger)
}

// NewPublisherWithRetry dials with exponential backoff before declaring the
// topic exchange. Used at startup when the broker may still be coming up.
func NewPublisherWithRetry(ctx context.Context, opts ConnectionOptions, exchange string) (Publisher, error) {
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	return newPublisher(conn, exchange, opts.Logger)
}

func newPublisher(conn *amqp091.Connection, exchange string, logger *slog.Logger) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &rmqPublisher{conn: conn, exchange: exchange, log: logger}, nil
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, env events.Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msgID := env.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	err = ch.PublishWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err == nil {
		r.log.Info("published", slog.String("key", key), slog.String("kind", env.Meta.Type))
	}
	return err
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}
