package events

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// DefaultTopic receives escrow events on Kafka.
const DefaultTopic = "tradeescrow.events"

// KafkaPublisher produces escrow events to a Kafka topic. Records are
// keyed by order id so one order's events stay in one partition, in order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher creates an idempotent producer for brokers.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("tradeescrow"),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("events: kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// Publish implements escrow.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev escrow.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic:     p.topic,
		Key:       []byte(ev.OrderID),
		Value:     body,
		Timestamp: ev.OccurredAt,
		Headers:   []kgo.RecordHeader{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("events: produce %s: %w", ev.Type, err)
	}
	return nil
}

// Health pings the cluster.
func (p *KafkaPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
