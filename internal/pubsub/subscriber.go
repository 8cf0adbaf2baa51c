package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one raw envelope delivery.
type Handler func(ctx context.Context, body []byte) error

// Subscriber consumes envelopes from the realtime channel. Handlers are
// registered per routing key before Start.
type Subscriber interface {
	RegisterHandler(routingKey string, handler Handler)
	Start(queueName string) error
	Close() error
}

type rmqSubscriber struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	log      *slog.Logger
	handlers map[string]Handler
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewSubscriber connects to RabbitMQ and declares the topic exchange.
func NewSubscriber(url, exchange string, logger *slog.Logger) (Subscriber, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &rmqSubscriber{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		log:      logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

func (s *rmqSubscriber) RegisterHandler(routingKey string, handler Handler) {
	s.handlers[routingKey] = handler
}

func (s *rmqSubscriber) Start(queueName string) error {
	var startErr error
	s.once.Do(func() {
		if err := s.ch.Qos(10, 0, false); err != nil {
			startErr = err
			return
		}
		q, err := s.ch.QueueDeclare(queueName, false, true, false, false, nil)
		if err != nil {
			startErr = err
			return
		}
		for key := range s.handlers {
			if err := s.ch.QueueBind(q.Name, key, s.exchange, false, nil); err != nil {
				startErr = err
				return
			}
		}
		msgs, err := s.ch.Consume(q.Name, "", false, false, false, false, nil)
		if err != nil {
			startErr = err
			return
		}

		s.wg.Add(1)
		go s.consumeLoop(msgs)
		s.log.Info("subscriber started", slog.String("queue", queueName))
	})
	return startErr
}

func (s *rmqSubscriber) consumeLoop(msgs <-chan amqp091.Delivery) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			handler, ok := s.handlers[msg.RoutingKey]
			if !ok {
				s.log.Warn("no handler", slog.String("key", msg.RoutingKey))
				_ = msg.Nack(false, false)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := handler(ctx, msg.Body)
			cancel()
			if err != nil {
				s.log.Error("handler error", slog.String("key", msg.RoutingKey), slog.Any("err", err))
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

func (s *rmqSubscriber) Close() error {
	close(s.done)
	s.wg.Wait()
	_ = s.ch.Close()
	return s.conn.Close()
}
