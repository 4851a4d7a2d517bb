package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mbd888/tradeescrow/internal/metrics"
)

// DefaultQueue is the durable queue collaborator events are consumed from.
const DefaultQueue = "tradeescrow.inbound"

// Handler applies one inbound message.
type Handler interface {
	Route(ctx context.Context, key string, body []byte) error
}

// Consumer reads collaborator events from RabbitMQ and hands them to a
// Handler. Messages are acked on success and on permanent failure, and
// requeued when the failure may be transient.
type Consumer struct {
	amqpURL  string
	exchange string
	queue    string
	handler  Handler
	logger   *slog.Logger
}

// NewConsumer creates a consumer bound to every inbound routing key.
func NewConsumer(amqpURL, exchange, queue string, handler Handler, logger *slog.Logger) *Consumer {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Consumer{amqpURL: amqpURL, exchange: exchange, queue: queue, handler: handler, logger: logger}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := dial(c.amqpURL)
	if err != nil {
		return fmt.Errorf("events: consumer dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("events: consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareExchange(ch, c.exchange); err != nil {
		return fmt.Errorf("events: declare exchange %s: %w", c.exchange, err)
	}
	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: declare queue %s: %w", c.queue, err)
	}
	for _, key := range InboundKeys {
		if err := ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("events: bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("events: qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "tradeescrow", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", q.Name, err)
	}

	c.logger.Info("consumer started", "exchange", c.exchange, "queue", q.Name, "keys", InboundKeys)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("events: delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.handler.Route(ctx, d.RoutingKey, d.Body)
	switch {
	case err == nil:
		metrics.InboundEventsTotal.WithLabelValues(d.RoutingKey, "ok").Inc()
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", "routing_key", d.RoutingKey, "error", ackErr)
		}
	case Retryable(err):
		metrics.InboundEventsTotal.WithLabelValues(d.RoutingKey, "requeued").Inc()
		c.logger.Warn("inbound event failed; requeueing", "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("nack failed", "routing_key", d.RoutingKey, "error", nackErr)
		}
	default:
		metrics.InboundEventsTotal.WithLabelValues(d.RoutingKey, "dropped").Inc()
		c.logger.Warn("inbound event rejected; dropping", "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", "routing_key", d.RoutingKey, "error", ackErr)
		}
	}
}
