package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/pkg/models"
)

// Recorder projects bus events into database rows. It is a read model:
// rows reflect the latest event seen per key and persistence failures are
// logged, never surfaced to the matching path.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a recorder over the store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes the recorder to the order and trade topics of an
// in-process bus.
func (r *Recorder) Attach(bus *events.InMemoryBus) {
	bus.Subscribe(events.TopicOrder, r.handle)
	bus.Subscribe(events.TopicTrade, r.handle)
}

func (r *Recorder) handle(event events.Event) {
	ctx := context.Background()
	switch payload := event.Payload.(type) {
	case events.OrderEvent:
		r.saveOrder(ctx, event, payload)
	case events.TradeEvent:
		r.saveTrade(ctx, event, payload)
	}
}

func (r *Recorder) saveOrder(ctx context.Context, event events.Event, payload events.OrderEvent) {
	id, err := uuid.Parse(payload.OrderID)
	if err != nil {
		r.logger.Error("recorder: bad order id", zap.String("order_id", payload.OrderID), zap.Error(err))
		return
	}
	userID, _ := uuid.Parse(payload.UserID)
	row := &models.Order{
		ID:             id,
		UserID:         userID,
		Instrument:     payload.Instrument,
		Side:           payload.Side,
		Type:           payload.Type,
		Price:          parseDecimal(payload.Price),
		Quantity:       parseDecimal(payload.Quantity),
		FilledQuantity: parseDecimal(payload.FilledQuantity),
		Status:         payload.Status,
		UpdatedAt:      event.Timestamp,
	}
	if err := r.store.SaveOrder(ctx, row); err != nil {
		r.logger.Error("recorder: save order failed", zap.String("order_id", payload.OrderID), zap.Error(err))
	}
}

func (r *Recorder) saveTrade(ctx context.Context, event events.Event, payload events.TradeEvent) {
	id, err := uuid.Parse(payload.TradeID)
	if err != nil {
		r.logger.Error("recorder: bad trade id", zap.String("trade_id", payload.TradeID), zap.Error(err))
		return
	}
	makerID, _ := uuid.Parse(payload.MakerOrderID)
	takerID, _ := uuid.Parse(payload.TakerOrderID)
	row := &models.Trade{
		ID:           id,
		Instrument:   payload.Instrument,
		MakerOrderID: makerID,
		TakerOrderID: takerID,
		Price:        parseDecimal(payload.Price),
		Quantity:     parseDecimal(payload.Quantity),
		MakerFee:     parseDecimal(payload.MakerFee),
		TakerFee:     parseDecimal(payload.TakerFee),
		ExecutedAt:   event.Timestamp,
		Settled:      event.Type == events.TypeTradeSettled,
	}
	if err := r.store.SaveTrade(ctx, row); err != nil {
		r.logger.Error("recorder: save trade failed", zap.String("trade_id", payload.TradeID), zap.Error(err))
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
