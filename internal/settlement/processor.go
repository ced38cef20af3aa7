package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/pkg/models"
)

// Request is one settlement job on the queue. It carries snapshots of the
// matched orders so the processor needs no store round-trip.
type Request struct {
	Trade      models.Trade      `json:"trade"`
	Maker      models.Order      `json:"maker"`
	Taker      models.Order      `json:"taker"`
	Instrument models.Instrument `json:"instrument"`
	RetryCount int               `json:"retry_count"`
}

// Confirmation is published after each settlement attempt.
type Confirmation struct {
	TradeID     string    `json:"trade_id"`
	Settled     bool      `json:"settled"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Processor consumes settlement requests from Kafka and runs them through the
// executor, retrying with linear backoff up to a cap. Settlement is idempotent
// per trade id, so redelivery is harmless.
type Processor struct {
	reader     *kafka.Reader
	writer     *kafka.Writer
	executor   *Executor
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

// ProcessorConfig configures the queue endpoints and retry policy.
type ProcessorConfig struct {
	Brokers           []string
	GroupID           string
	RequestTopic      string
	ConfirmationTopic string
	MaxRetries        int
	RetryBackoff      time.Duration
}

// NewProcessor creates a processor; Run starts the consume loop.
func NewProcessor(cfg ProcessorConfig, executor *Executor, logger *zap.Logger) *Processor {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.RequestTopic,
		StartOffset: kafka.LastOffset,
	})
	writer := &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.ConfirmationTopic,
	}
	return &Processor{
		reader:     reader,
		writer:     writer,
		executor:   executor,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
}

// Run consumes until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		msg, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("settlement consume error", zap.Error(err))
			continue
		}
		p.process(ctx, msg)
	}
}

func (p *Processor) process(ctx context.Context, msg kafka.Message) {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		p.logger.Error("invalid settlement request", zap.Error(err))
		return
	}

	err := p.executor.Settle(ctx, &req.Trade, &req.Maker, &req.Taker, req.Instrument)
	confirmation := Confirmation{
		TradeID:     req.Trade.ID.String(),
		Settled:     err == nil,
		RetryCount:  req.RetryCount,
		ConfirmedAt: time.Now(),
	}
	if err != nil {
		confirmation.Error = err.Error()
		if req.RetryCount < p.maxRetries {
			go p.requeue(ctx, req)
		} else {
			p.logger.Error("settlement exhausted retries",
				zap.String("trade_id", req.Trade.ID.String()),
				zap.Int("retries", req.RetryCount),
				zap.Error(err))
		}
	}
	p.confirm(ctx, confirmation)
}

// requeue republishes the request after a backoff proportional to its retry count.
func (p *Processor) requeue(ctx context.Context, req Request) {
	req.RetryCount++
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(req.RetryCount) * p.backoff):
	}
	value, err := json.Marshal(req)
	if err != nil {
		p.logger.Error("failed to marshal settlement retry", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Topic: p.reader.Config().Topic,
		Key:   []byte(req.Trade.ID.String()),
		Value: value,
	}
	retryWriter := &kafka.Writer{Addr: p.writer.Addr}
	defer retryWriter.Close()
	if err := retryWriter.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to requeue settlement",
			zap.Error(err),
			zap.String("trade_id", req.Trade.ID.String()))
	}
}

func (p *Processor) confirm(ctx context.Context, confirmation Confirmation) {
	value, err := json.Marshal(confirmation)
	if err != nil {
		p.logger.Error("failed to marshal settlement confirmation", zap.Error(err))
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(confirmation.TradeID), Value: value}); err != nil {
		p.logger.Error("failed to publish settlement confirmation",
			zap.Error(err),
			zap.String("trade_id", confirmation.TradeID))
	}
}

// Close closes the queue endpoints.
func (p *Processor) Close() error {
	if err := p.reader.Close(); err != nil {
		return err
	}
	return p.writer.Close()
}
