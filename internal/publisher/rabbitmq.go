// Package publisher emits capture lifecycle events to RabbitMQ for
// downstream consumers. Events are best-effort: a publish failure is logged
// by the caller and never fails the job.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mpvault/internal/config"
	"mpvault/internal/core"
)

// RabbitMQ publishes job events to a durable direct exchange.
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewRabbitMQ connects and declares the exchange, queue, and binding.
func NewRabbitMQ(cfg config.EventsConfig, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("connected to rabbitmq",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
		zap.String("routing_key", cfg.RoutingKey))

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger.Named("publisher"),
	}, nil
}

// JobFinishedMessage is the wire shape of a terminal job event.
type JobFinishedMessage struct {
	Event     string          `json:"event"`
	Job       core.CaptureJob `json:"job"`
	Timestamp time.Time       `json:"timestamp"`
}

// PublishJobFinished emits one terminal job event.
func (r *RabbitMQ) PublishJobFinished(ctx context.Context, job core.CaptureJob) error {
	msg := JobFinishedMessage{
		Event:     "job.finished",
		Job:       job,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(ctx, r.exchange, r.routingKey, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("published job event",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))
	return nil
}

// Close tears down the channel and connection.
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Nop discards all events. Used when events are disabled.
type Nop struct{}

// PublishJobFinished does nothing.
func (Nop) PublishJobFinished(context.Context, core.CaptureJob) error {
	return nil
}
