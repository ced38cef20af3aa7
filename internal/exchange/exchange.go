// Package exchange is the coordination layer: it enforces escrow before any
// order reaches a book, serializes matching per instrument, and settles fills
// through the ledger.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/engine"
	"github.com/lumenex/exchange-core/internal/escrow"
	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/internal/payment"
	"github.com/lumenex/exchange-core/internal/settlement"
	"github.com/lumenex/exchange-core/pkg/models"
)

// Exchange errors.
var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrMissingQuoteCap   = errors.New("market buy requires a max quote amount")
)

// PaymentVerifier gates external deposits; see internal/payment. The bool
// result reports whether this call created the verification record.
type PaymentVerifier interface {
	Verify(ctx context.Context, txSignature, expectedFrom, expectedTo string, expectedAmount, toleranceAbs decimal.Decimal) (*models.PaymentVerificationRecord, bool, error)
}

// bookWorker serializes all matching for one instrument. The mutex is held
// across escrow, matching and settlement so an order's funds cannot race its
// own fills.
type bookWorker struct {
	mu     sync.Mutex
	engine *engine.MatchingEngine
}

// Exchange routes orders to per-instrument books and owns the order flow:
// escrow lock, match, settle, release.
type Exchange struct {
	ledger   *escrow.Ledger
	executor *settlement.Executor
	retry    settlement.Enqueuer
	verifier PaymentVerifier
	bus      events.Bus
	logger   *zap.Logger
	cfg      engine.Config
	metrics  *engine.Metrics

	mu         sync.RWMutex
	workers    map[string]*bookWorker
	orderIndex map[uuid.UUID]string

	seq atomic.Uint64
}

// New creates an exchange. retry receives fills whose inline settlement
// failed; verifier may be nil when external deposits are not accepted.
func New(ledger *escrow.Ledger, executor *settlement.Executor, retry settlement.Enqueuer, verifier PaymentVerifier, bus events.Bus, cfg engine.Config, metrics *engine.Metrics, logger *zap.Logger) *Exchange {
	return &Exchange{
		ledger:     ledger,
		executor:   executor,
		retry:      retry,
		verifier:   verifier,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		metrics:    metrics,
		workers:    make(map[string]*bookWorker),
		orderIndex: make(map[uuid.UUID]string),
	}
}

// RegisterInstrument creates an empty book for the instrument. Registering an
// already listed symbol is a no-op.
func (x *Exchange) RegisterInstrument(instrument models.Instrument) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.workers[instrument.Symbol]; ok {
		return
	}
	x.workers[instrument.Symbol] = &bookWorker{
		engine: engine.NewMatchingEngine(instrument, x.cfg, x.logger, x.metrics),
	}
	x.logger.Info("instrument registered",
		zap.String("symbol", instrument.Symbol),
		zap.String("tick_size", instrument.TickSize.String()))
}

func (x *Exchange) worker(symbol string) (*bookWorker, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	w, ok := x.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return w, nil
}

// PlaceLimit submits a limit order. The submitted price is floored to the
// instrument's tick grid before validation; funds for the full order (quote
// at the limit price for buys, base for sells) are escrowed before matching.
func (x *Exchange) PlaceLimit(ctx context.Context, userID uuid.UUID, symbol, side string, price, quantity decimal.Decimal) (*models.Order, []*models.Trade, error) {
	w, err := x.worker(symbol)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	inst := w.engine.Book().Instrument()
	aligned, err := engine.AlignPrice(price, inst.TickSize)
	if err != nil {
		return nil, nil, err
	}

	order := x.newOrder(userID, symbol, side, models.OrderTypeLimit, quantity)
	order.Price = aligned

	lockAsset := inst.BaseAsset
	lockAmount := quantity
	if side == models.OrderSideBuy {
		lockAsset = inst.QuoteAsset
		lockAmount = aligned.Mul(quantity)
	}
	if err := x.ledger.Lock(ctx, userID, lockAsset, lockAmount, escrow.ReasonOrder, order.EscrowID); err != nil {
		return nil, nil, err
	}

	result, err := w.engine.SubmitLimit(order)
	if err != nil {
		x.refund(ctx, order.EscrowID)
		return nil, nil, err
	}
	return x.finish(ctx, w, order, result)
}

// PlaceMarket submits a market order. A buy escrows maxQuoteAmount of quote
// and fills at most that notional; a sell escrows the base quantity. An empty
// opposite book rejects the order before any escrow is taken.
func (x *Exchange) PlaceMarket(ctx context.Context, userID uuid.UUID, symbol, side string, quantity, maxQuoteAmount decimal.Decimal) (*models.Order, []*models.Trade, error) {
	w, err := x.worker(symbol)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	inst := w.engine.Book().Instrument()
	if w.engine.Book().OppositeEmpty(side) {
		return nil, nil, fmt.Errorf("%w: %s %s book empty", engine.ErrNoLiquidity, symbol, side)
	}

	order := x.newOrder(userID, symbol, side, models.OrderTypeMarket, quantity)

	lockAsset := inst.BaseAsset
	lockAmount := quantity
	if side == models.OrderSideBuy {
		if maxQuoteAmount.LessThanOrEqual(decimal.Zero) {
			return nil, nil, ErrMissingQuoteCap
		}
		order.MaxQuoteAmount = maxQuoteAmount
		lockAsset = inst.QuoteAsset
		lockAmount = maxQuoteAmount
	}
	if err := x.ledger.Lock(ctx, userID, lockAsset, lockAmount, escrow.ReasonOrder, order.EscrowID); err != nil {
		return nil, nil, err
	}

	result, err := w.engine.SubmitMarket(order)
	if err != nil {
		x.refund(ctx, order.EscrowID)
		return nil, nil, err
	}
	return x.finish(ctx, w, order, result)
}

// Cancel removes a resting order and returns its remaining escrow.
func (x *Exchange) Cancel(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	x.mu.RLock()
	symbol, ok := x.orderIndex[orderID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownOrder, orderID)
	}
	w, err := x.worker(symbol)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	order, err := w.engine.Cancel(orderID)
	if err != nil {
		return nil, err
	}
	x.refund(ctx, order.EscrowID)
	x.dropIndex(orderID)
	x.publishOrder(ctx, events.TypeOrderCancelled, order)
	return order, nil
}

// finish settles fills inline, releases leftover escrow for terminal takers,
// and publishes lifecycle events. Settlement failures leave the match intact,
// hand the fill to the retry queue, and surface as ErrSettlementFailed
// alongside the order state.
func (x *Exchange) finish(ctx context.Context, w *bookWorker, order *models.Order, result *engine.MatchResult) (*models.Order, []*models.Trade, error) {
	inst := w.engine.Book().Instrument()
	trades := make([]*models.Trade, 0, len(result.Fills))
	var settleErr error
	pendingNeed := decimal.Zero
	for _, fill := range result.Fills {
		trades = append(trades, fill.Trade)
		if err := x.executor.Settle(ctx, fill.Trade, fill.Maker, order, inst); err != nil {
			settleErr = err
			pendingNeed = pendingNeed.Add(takerEscrowNeed(order, fill.Trade))
			x.logger.Error("inline settlement failed",
				zap.String("trade_id", fill.Trade.ID.String()),
				zap.Error(err))
			x.enqueueRetry(ctx, fill, order, inst)
		}
		if fill.Maker.IsTerminal() {
			x.dropIndex(fill.Maker.ID)
			x.publishOrder(ctx, events.TypeOrderFilled, fill.Maker)
		} else {
			x.publishOrder(ctx, events.TypeOrderPartiallyFilled, fill.Maker)
		}
	}

	if result.Rested {
		x.mu.Lock()
		x.orderIndex[order.ID] = order.Instrument
		x.mu.Unlock()
	}
	if order.IsTerminal() {
		// A market buy's leftover budget and a market sell's unfilled base
		// stay escrowed until the order goes terminal; hand them back now,
		// keeping only what unsettled fills still need.
		if settleErr == nil {
			x.refund(ctx, order.EscrowID)
		} else {
			x.refundExcess(ctx, order.EscrowID, pendingNeed)
		}
	}

	switch order.Status {
	case models.OrderStatusFilled:
		x.publishOrder(ctx, events.TypeOrderFilled, order)
	case models.OrderStatusCancelled:
		x.publishOrder(ctx, events.TypeOrderCancelled, order)
	case models.OrderStatusPartial:
		x.publishOrder(ctx, events.TypeOrderPartiallyFilled, order)
	default:
		x.publishOrder(ctx, events.TypeOrderAccepted, order)
	}
	return order, trades, settleErr
}

// refund returns whatever remains of an escrow entry. A fully drawn entry is
// already gone, which is not an error here.
func (x *Exchange) refund(ctx context.Context, escrowID uuid.UUID) {
	if _, err := x.ledger.ReleaseAll(ctx, escrowID); err != nil && !errors.Is(err, escrow.ErrUnknownEscrow) {
		x.logger.Error("escrow release failed",
			zap.String("escrow_id", escrowID.String()),
			zap.Error(err))
	}
}

// refundExcess releases the part of an escrow entry that no unsettled fill
// still needs; the retained remainder drains when the retries settle.
func (x *Exchange) refundExcess(ctx context.Context, escrowID uuid.UUID, pendingNeed decimal.Decimal) {
	remaining, err := x.ledger.LockedRemaining(ctx, escrowID)
	if err != nil {
		if !errors.Is(err, escrow.ErrUnknownEscrow) {
			x.logger.Error("escrow inspection failed",
				zap.String("escrow_id", escrowID.String()),
				zap.Error(err))
		}
		return
	}
	excess := remaining.Sub(pendingNeed)
	if excess.LessThanOrEqual(decimal.Zero) {
		return
	}
	if err := x.ledger.Release(ctx, escrowID, excess); err != nil {
		x.logger.Error("escrow release failed",
			zap.String("escrow_id", escrowID.String()),
			zap.Error(err))
	}
}

// enqueueRetry hands an unsettled fill to the settlement queue so the
// processor's retry loop can finish it.
func (x *Exchange) enqueueRetry(ctx context.Context, fill engine.Fill, taker *models.Order, inst models.Instrument) {
	if x.retry == nil {
		return
	}
	req := settlement.Request{
		Trade:      *fill.Trade,
		Maker:      *fill.Maker,
		Taker:      *taker,
		Instrument: inst,
	}
	if err := x.retry.Enqueue(ctx, req); err != nil {
		x.logger.Error("settlement retry enqueue failed",
			zap.String("trade_id", fill.Trade.ID.String()),
			zap.Error(err))
	}
}

// takerEscrowNeed is what the taker's escrow must keep holding for one
// unsettled fill: the quote notional at the escrowed price for buys, the
// base quantity for sells.
func takerEscrowNeed(taker *models.Order, trade *models.Trade) decimal.Decimal {
	if taker.Side == models.OrderSideSell {
		return trade.Quantity
	}
	price := trade.Price
	if taker.Type == models.OrderTypeLimit && taker.Price.GreaterThan(price) {
		price = taker.Price
	}
	return price.Mul(trade.Quantity)
}

// Deposit credits an owner's available balance.
func (x *Exchange) Deposit(ctx context.Context, owner uuid.UUID, asset string, amount decimal.Decimal) error {
	return x.ledger.Deposit(ctx, owner, asset, amount)
}

// Withdraw debits an owner's available balance.
func (x *Exchange) Withdraw(ctx context.Context, owner uuid.UUID, asset string, amount decimal.Decimal) error {
	return x.ledger.Withdraw(ctx, owner, asset, amount)
}

// Balance returns the owner's totals for one asset.
func (x *Exchange) Balance(ctx context.Context, owner uuid.UUID, asset string) (escrow.Balance, error) {
	return x.ledger.Balance(ctx, owner, asset)
}

// VerifyDeposit credits an external transfer after chain verification. The
// credited amount is the claimed amount, not the observed delta, so fee noise
// within tolerance does not leak into balances. Each signature credits at
// most once: a replay of an already verified signature is rejected without
// touching the ledger.
func (x *Exchange) VerifyDeposit(ctx context.Context, owner uuid.UUID, asset, txSignature, expectedFrom, expectedTo string, amount, toleranceAbs decimal.Decimal) error {
	if x.verifier == nil {
		return errors.New("external deposits not configured")
	}
	_, created, err := x.verifier.Verify(ctx, txSignature, expectedFrom, expectedTo, amount, toleranceAbs)
	if err == nil && !created {
		err = fmt.Errorf("%w: %s already credited", payment.ErrSignatureReplayed, txSignature)
	}
	if err != nil {
		x.bus.Publish(ctx, events.Event{
			Topic:     events.TopicPayment,
			Type:      events.TypePaymentRejected,
			Timestamp: time.Now(),
			Payload:   events.PaymentEvent{TxSignature: txSignature, Verified: false, Reason: err.Error()},
		})
		return err
	}
	if err := x.ledger.Deposit(ctx, owner, asset, amount); err != nil {
		return err
	}
	x.bus.Publish(ctx, events.Event{
		Topic:     events.TopicPayment,
		Type:      events.TypePaymentVerified,
		Timestamp: time.Now(),
		Payload:   events.PaymentEvent{TxSignature: txSignature, Verified: true},
	})
	return nil
}

// Depth returns up to n levels per side of an instrument's book.
func (x *Exchange) Depth(symbol string, n int) (bids, asks [][]string, err error) {
	w, err := x.worker(symbol)
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	bids, asks = w.engine.Book().Depth(n)
	return bids, asks, nil
}

// Order returns a resting order by id.
func (x *Exchange) Order(orderID uuid.UUID) (*models.Order, error) {
	x.mu.RLock()
	symbol, ok := x.orderIndex[orderID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownOrder, orderID)
	}
	w, err := x.worker(symbol)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	o, found := w.engine.Book().Get(orderID)
	if !found {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownOrder, orderID)
	}
	return o, nil
}

func (x *Exchange) newOrder(userID uuid.UUID, symbol, side, orderType string, quantity decimal.Decimal) *models.Order {
	now := time.Now()
	return &models.Order{
		ID:             uuid.New(),
		UserID:         userID,
		Instrument:     symbol,
		Side:           side,
		Type:           orderType,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		Status:         models.OrderStatusPending,
		Sequence:       x.seq.Add(1),
		EscrowID:       uuid.New(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (x *Exchange) dropIndex(orderID uuid.UUID) {
	x.mu.Lock()
	delete(x.orderIndex, orderID)
	x.mu.Unlock()
}

func (x *Exchange) publishOrder(ctx context.Context, eventType string, o *models.Order) {
	x.bus.Publish(ctx, events.Event{
		Topic:     events.TopicOrder,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload: events.OrderEvent{
			OrderID:        o.ID.String(),
			UserID:         o.UserID.String(),
			Instrument:     o.Instrument,
			Side:           o.Side,
			Type:           o.Type,
			Price:          o.Price.String(),
			Quantity:       o.Quantity.String(),
			FilledQuantity: o.FilledQuantity.String(),
			Status:         o.Status,
		},
	})
}
