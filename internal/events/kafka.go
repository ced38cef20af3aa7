package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to Kafka, one topic per bus topic with a
// configurable prefix (e.g. "exchange.order", "exchange.trade"). Delivery is
// at-least-once; downstream consumers deduplicate on payload primary keys.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
	logger      *zap.Logger
}

// NewKafkaPublisher creates a publisher over the given brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: writer, topicPrefix: topicPrefix, logger: logger}
}

// Publish marshals the event and writes it to its topic. Failures are logged,
// not surfaced: the core never blocks a state transition on the sink.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.Error(err), zap.String("type", event.Type))
		return
	}
	msg := kafka.Message{
		Topic: p.topicPrefix + "." + event.Topic,
		Key:   []byte(event.Type),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("topic", msg.Topic),
			zap.String("type", event.Type))
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// TeeBus publishes every event to all wrapped buses, letting in-process
// subscribers and Kafka consumers observe the same stream.
type TeeBus []Bus

func (t TeeBus) Publish(ctx context.Context, event Event) {
	for _, bus := range t {
		bus.Publish(ctx, event)
	}
}
