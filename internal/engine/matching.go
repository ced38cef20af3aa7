package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/pkg/models"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Config carries the fee schedule applied at match time.
type Config struct {
	MakerFeeBps int64
	TakerFeeBps int64
}

// Fill pairs a produced trade with the maker order it consumed, so the
// settlement layer can reach the maker's escrow without a store lookup.
type Fill struct {
	Trade *models.Trade
	Maker *models.Order
}

// MatchResult is the outcome of submitting one order.
type MatchResult struct {
	Taker  *models.Order
	Fills  []Fill
	Rested bool
}

// MatchingEngine walks one instrument's book with price-time priority.
// Callers must serialize calls per instrument; the engine itself holds no lock.
type MatchingEngine struct {
	book    *OrderBook
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
}

// NewMatchingEngine creates an engine over a fresh book for the instrument.
func NewMatchingEngine(instrument models.Instrument, cfg Config, logger *zap.Logger, metrics *Metrics) *MatchingEngine {
	return &MatchingEngine{
		book:    NewOrderBook(instrument),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Book exposes the underlying order book for read-only queries.
func (e *MatchingEngine) Book() *OrderBook { return e.book }

// SubmitLimit matches a limit order against the opposite side as far as it
// crosses, then rests any remainder at the back of its price level.
func (e *MatchingEngine) SubmitLimit(o *models.Order) (*MatchResult, error) {
	inst := e.book.instrument
	if o.Price.LessThanOrEqual(decimal.Zero) || !o.Price.Mod(inst.TickSize).IsZero() {
		e.reject(models.OrderTypeLimit, "invalid_price")
		return nil, fmt.Errorf("%w: %s not on tick %s", ErrInvalidPrice, o.Price, inst.TickSize)
	}
	if o.Quantity.LessThan(inst.MinOrderSize) || o.Quantity.LessThanOrEqual(decimal.Zero) {
		e.reject(models.OrderTypeLimit, "too_small")
		return nil, fmt.Errorf("%w: %s < %s", ErrOrderTooSmall, o.Quantity, inst.MinOrderSize)
	}

	result := &MatchResult{Taker: o}
	result.Fills = e.match(o, true, o.Price, decimal.Zero)

	if o.Remaining().GreaterThan(decimal.Zero) {
		e.book.rest(o)
		result.Rested = true
	}
	e.accept(models.OrderTypeLimit)
	return result, nil
}

// SubmitMarket matches a market order best-first. An empty opposite side is a
// hard rejection with no side effects; otherwise the order fills what it can
// and the remainder is cancelled (immediate-or-cancel).
func (e *MatchingEngine) SubmitMarket(o *models.Order) (*MatchResult, error) {
	inst := e.book.instrument
	if o.Quantity.LessThan(inst.MinOrderSize) || o.Quantity.LessThanOrEqual(decimal.Zero) {
		e.reject(models.OrderTypeMarket, "too_small")
		return nil, fmt.Errorf("%w: %s < %s", ErrOrderTooSmall, o.Quantity, inst.MinOrderSize)
	}
	if e.book.OppositeEmpty(o.Side) {
		e.reject(models.OrderTypeMarket, "no_liquidity")
		return nil, fmt.Errorf("%w: %s %s book empty", ErrNoLiquidity, inst.Symbol, o.Side)
	}

	// A market buy may only consume up to its escrowed quote budget.
	budget := decimal.Zero
	if o.Side == models.OrderSideBuy {
		budget = o.MaxQuoteAmount
	}

	result := &MatchResult{Taker: o}
	result.Fills = e.match(o, false, decimal.Zero, budget)

	if o.Remaining().GreaterThan(decimal.Zero) {
		o.Status = models.OrderStatusCancelled
		o.UpdatedAt = time.Now()
	}
	e.accept(models.OrderTypeMarket)
	return result, nil
}

// Cancel removes a resting PENDING or PARTIAL order from its queue.
func (e *MatchingEngine) Cancel(id uuid.UUID) (*models.Order, error) {
	o, ok := e.book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotCancellable, id, o.Status)
	}
	if err := e.book.unrest(o); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return o, nil
}

// match walks opposite price levels best-first, consuming resting orders in
// FIFO order. Every trade executes at the maker's price. When hasLimit is set
// the walk stops once the best opposite price no longer crosses the limit;
// a positive budget caps the cumulative quote notional a buy may consume.
func (e *MatchingEngine) match(taker *models.Order, hasLimit bool, limit, budget decimal.Decimal) []Fill {
	var fills []Fill
	spent := decimal.Zero

	for taker.Remaining().GreaterThan(decimal.Zero) {
		level, ok := e.book.bestOppositeLevel(taker.Side)
		if !ok {
			break
		}
		if hasLimit && !crosses(taker.Side, limit, level.price) {
			break
		}

		maker := level.head()
		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if budget.GreaterThan(decimal.Zero) {
			affordable := spent.Add(qty.Mul(level.price))
			if affordable.GreaterThan(budget) {
				qty = budget.Sub(spent).Div(level.price).Floor()
				if qty.LessThanOrEqual(decimal.Zero) {
					break
				}
				qty = decimal.Min(qty, decimal.Min(taker.Remaining(), maker.Remaining()))
			}
		}

		trade := e.execute(taker, maker, level.price, qty)
		fills = append(fills, Fill{Trade: trade, Maker: maker})
		spent = spent.Add(trade.Price.Mul(trade.Quantity))

		if maker.Remaining().IsZero() {
			maker.Status = models.OrderStatusFilled
			maker.UpdatedAt = trade.ExecutedAt
			level.dropHead()
			delete(e.book.ordersByID, maker.ID)
		}
		e.book.dropOppositeLevelIfEmpty(taker.Side, level)
	}
	return fills
}

// execute creates the trade record and advances both orders' filled state.
func (e *MatchingEngine) execute(taker, maker *models.Order, price, qty decimal.Decimal) *models.Trade {
	now := time.Now()
	notional := price.Mul(qty)

	trade := &models.Trade{
		ID:           uuid.New(),
		Instrument:   e.book.instrument.Symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        price,
		Quantity:     qty,
		MakerFee:     feeOn(notional, e.cfg.MakerFeeBps),
		TakerFee:     feeOn(notional, e.cfg.TakerFeeBps),
		ExecutedAt:   now,
	}

	taker.FilledQuantity = taker.FilledQuantity.Add(qty)
	maker.FilledQuantity = maker.FilledQuantity.Add(qty)
	advanceStatus(taker, now)
	advanceStatus(maker, now)
	e.book.lastTrade = price

	if e.metrics != nil {
		e.metrics.TradesMatched.WithLabelValues(e.book.instrument.Symbol).Inc()
	}
	e.logger.Debug("trade matched",
		zap.String("instrument", trade.Instrument),
		zap.String("trade_id", trade.ID.String()),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()))
	return trade
}

func advanceStatus(o *models.Order, now time.Time) {
	if o.Remaining().IsZero() {
		o.Status = models.OrderStatusFilled
	} else {
		o.Status = models.OrderStatusPartial
	}
	o.UpdatedAt = now
}

func crosses(takerSide string, limit, restingPrice decimal.Decimal) bool {
	if takerSide == models.OrderSideBuy {
		return restingPrice.LessThanOrEqual(limit)
	}
	return restingPrice.GreaterThanOrEqual(limit)
}

func feeOn(notional decimal.Decimal, bps int64) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return notional.Mul(decimal.NewFromInt(bps)).Div(bpsDivisor)
}

func (e *MatchingEngine) accept(orderType string) {
	if e.metrics != nil {
		e.metrics.OrdersAccepted.WithLabelValues(e.book.instrument.Symbol, orderType).Inc()
	}
}

func (e *MatchingEngine) reject(orderType, reason string) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(e.book.instrument.Symbol, orderType, reason).Inc()
	}
}
