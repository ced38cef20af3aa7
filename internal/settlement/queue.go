package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Enqueuer hands a failed settlement to the retry path.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) error
}

// Queue produces settlement requests to the topic the Processor consumes,
// keyed by trade id so redeliveries of one trade stay ordered.
type Queue struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewQueue creates a producer for the request topic.
func NewQueue(brokers []string, topic string, logger *zap.Logger) *Queue {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &Queue{writer: writer, logger: logger}
}

// Enqueue implements Enqueuer.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal settlement request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(req.Trade.ID.String()),
		Value: value,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("enqueue settlement request: %w", err)
	}
	q.logger.Debug("settlement request enqueued",
		zap.String("trade_id", req.Trade.ID.String()),
		zap.Int("retry_count", req.RetryCount))
	return nil
}

// Close flushes and closes the producer.
func (q *Queue) Close() error {
	return q.writer.Close()
}
