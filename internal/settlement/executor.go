// Package settlement moves the assets a match committed to: the atomic swap,
// the fee split, and price-improvement refunds.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/escrow"
	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/pkg/models"
)

// ErrSettlementFailed marks a retryable asset-movement failure. The trade
// stays unsettled; matching state is never rolled back.
var ErrSettlementFailed = errors.New("settlement failed")

// Executor settles trades against the escrow ledger, exactly once per trade id.
type Executor struct {
	ledger       *escrow.Ledger
	feeCollector uuid.UUID
	bus          events.Bus
	logger       *zap.Logger

	mu       sync.Mutex
	settled  map[uuid.UUID]bool
	inflight map[uuid.UUID]bool
}

// NewExecutor creates an executor crediting fees to the given collector account.
func NewExecutor(ledger *escrow.Ledger, feeCollector uuid.UUID, bus events.Bus, logger *zap.Logger) *Executor {
	return &Executor{
		ledger:       ledger,
		feeCollector: feeCollector,
		bus:          bus,
		logger:       logger,
		settled:      make(map[uuid.UUID]bool),
		inflight:     make(map[uuid.UUID]bool),
	}
}

// Settle performs the atomic swap for one trade:
//
//	seller's locked base -> buyer (net of the buyer's fee, collected in base)
//	buyer's locked quote -> seller (net of the seller's fee, collected in quote)
//	both fees            -> fee collector
//
// A limit buyer that executed below its limit gets the per-unit difference
// released from escrow immediately (price improvement). Settle is idempotent
// per trade id; a second call for a settled trade is a no-op. All balances
// and escrow headroom are validated before the first movement, so a failure
// surfaces as ErrSettlementFailed with nothing applied.
func (x *Executor) Settle(ctx context.Context, trade *models.Trade, maker, taker *models.Order, instrument models.Instrument) error {
	// Claim the trade id before touching the ledger so a concurrent
	// redelivery cannot double-execute the transfers. The loser surfaces a
	// retryable error; by the time it retries the id is marked settled.
	x.mu.Lock()
	if x.settled[trade.ID] {
		x.mu.Unlock()
		return nil
	}
	if x.inflight[trade.ID] {
		x.mu.Unlock()
		return fmt.Errorf("%w: trade %s settlement in flight", ErrSettlementFailed, trade.ID)
	}
	x.inflight[trade.ID] = true
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.inflight, trade.ID)
		x.mu.Unlock()
	}()

	buyer, seller := maker, taker
	buyerFee, sellerFee := trade.MakerFee, trade.TakerFee
	if trade.TakerSide == models.OrderSideBuy {
		buyer, seller = taker, maker
		buyerFee, sellerFee = trade.TakerFee, trade.MakerFee
	}

	qty := trade.Quantity
	notional := trade.Price.Mul(qty)
	// The buyer's fee is quoted in quote terms but collected from the base
	// leg, so it converts at the execution price.
	baseFee := decimal.Zero
	if buyerFee.GreaterThan(decimal.Zero) {
		baseFee = buyerFee.Div(trade.Price)
	}

	improvement := decimal.Zero
	if buyer.Type == models.OrderTypeLimit && buyer.Price.GreaterThan(trade.Price) {
		improvement = buyer.Price.Sub(trade.Price).Mul(qty)
	}

	if err := x.validate(ctx, seller.EscrowID, qty, buyer.EscrowID, notional.Add(improvement)); err != nil {
		return fmt.Errorf("%w: trade %s: %v", ErrSettlementFailed, trade.ID, err)
	}

	steps := []struct {
		refID  uuid.UUID
		to     uuid.UUID
		amount decimal.Decimal
	}{
		{seller.EscrowID, buyer.UserID, qty.Sub(baseFee)},
		{seller.EscrowID, x.feeCollector, baseFee},
		{buyer.EscrowID, seller.UserID, notional.Sub(sellerFee)},
		{buyer.EscrowID, x.feeCollector, sellerFee},
	}
	for _, step := range steps {
		if step.amount.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := x.ledger.TransferLocked(ctx, step.refID, step.to, step.amount); err != nil {
			return fmt.Errorf("%w: trade %s: %v", ErrSettlementFailed, trade.ID, err)
		}
	}
	if improvement.GreaterThan(decimal.Zero) {
		if err := x.ledger.Release(ctx, buyer.EscrowID, improvement); err != nil {
			return fmt.Errorf("%w: trade %s price improvement: %v", ErrSettlementFailed, trade.ID, err)
		}
	}

	x.mu.Lock()
	x.settled[trade.ID] = true
	x.mu.Unlock()
	trade.Settled = true

	x.bus.Publish(ctx, events.Event{
		Topic:     events.TopicTrade,
		Type:      events.TypeTradeSettled,
		Timestamp: time.Now(),
		Payload: events.TradeEvent{
			TradeID:      trade.ID.String(),
			Instrument:   trade.Instrument,
			Price:        trade.Price.String(),
			Quantity:     trade.Quantity.String(),
			MakerOrderID: trade.MakerOrderID.String(),
			TakerOrderID: trade.TakerOrderID.String(),
			MakerFee:     trade.MakerFee.String(),
			TakerFee:     trade.TakerFee.String(),
		},
	})
	x.logger.Info("trade settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("instrument", trade.Instrument),
		zap.String("price", trade.Price.String()),
		zap.String("quantity", trade.Quantity.String()))
	return nil
}

// validate confirms both escrow entries hold enough before anything moves.
func (x *Executor) validate(ctx context.Context, sellerRef uuid.UUID, baseNeeded decimal.Decimal, buyerRef uuid.UUID, quoteNeeded decimal.Decimal) error {
	sellerHeld, err := x.ledger.LockedRemaining(ctx, sellerRef)
	if err != nil {
		return fmt.Errorf("seller escrow: %w", err)
	}
	if sellerHeld.LessThan(baseNeeded) {
		return fmt.Errorf("seller escrow holds %s, needs %s", sellerHeld, baseNeeded)
	}
	buyerHeld, err := x.ledger.LockedRemaining(ctx, buyerRef)
	if err != nil {
		return fmt.Errorf("buyer escrow: %w", err)
	}
	if buyerHeld.LessThan(quoteNeeded) {
		return fmt.Errorf("buyer escrow holds %s, needs %s", buyerHeld, quoteNeeded)
	}
	return nil
}

// Settled reports whether a trade id has already been settled.
func (x *Executor) Settled(tradeID uuid.UUID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.settled[tradeID]
}
