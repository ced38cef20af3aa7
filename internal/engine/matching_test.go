package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/pkg/models"
)

var testInstrument = models.Instrument{
	Symbol:       "LMX/USD",
	BaseAsset:    "LMX",
	QuoteAsset:   "USD",
	TickSize:     d("1"),
	MinOrderSize: d("1"),
}

func newTestEngine(t *testing.T) *MatchingEngine {
	t.Helper()
	return NewMatchingEngine(testInstrument, Config{MakerFeeBps: 10, TakerFeeBps: 20}, zap.NewNop(), nil)
}

func limitOrder(side string, price, qty string) *models.Order {
	return &models.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Instrument:     testInstrument.Symbol,
		Side:           side,
		Type:           models.OrderTypeLimit,
		Price:          d(price),
		Quantity:       d(qty),
		FilledQuantity: decimal.Zero,
		Status:         models.OrderStatusPending,
		EscrowID:       uuid.New(),
	}
}

func marketOrder(side string, qty string) *models.Order {
	return &models.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Instrument:     testInstrument.Symbol,
		Side:           side,
		Type:           models.OrderTypeMarket,
		Quantity:       d(qty),
		FilledQuantity: decimal.Zero,
		Status:         models.OrderStatusPending,
		EscrowID:       uuid.New(),
	}
}

func TestLimitOrderRestsWhenNotCrossing(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "100", "5"))
	require.NoError(t, err)
	assert.True(t, result.Rested)
	assert.Empty(t, result.Fills)
	assert.Equal(t, models.OrderStatusPending, result.Taker.Status)

	best, ok := e.Book().BestBid()
	require.True(t, ok)
	assert.True(t, best.Equal(d("100")))
}

func TestLimitRejectsOffTickPrice(t *testing.T) {
	e := NewMatchingEngine(models.Instrument{
		Symbol: "LMX/USD", BaseAsset: "LMX", QuoteAsset: "USD",
		TickSize: d("5"), MinOrderSize: d("1"),
	}, Config{}, zap.NewNop(), nil)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "101", "1"))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestLimitRejectsBelowMinSize(t *testing.T) {
	e := NewMatchingEngine(models.Instrument{
		Symbol: "LMX/USD", BaseAsset: "LMX", QuoteAsset: "USD",
		TickSize: d("1"), MinOrderSize: d("10"),
	}, Config{}, zap.NewNop(), nil)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, "100", "5"))
	assert.ErrorIs(t, err, ErrOrderTooSmall)
}

func TestTradesExecuteAtMakerPrice(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, "100", "3"))
	require.NoError(t, err)

	result, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "105", "3"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)

	trade := result.Fills[0].Trade
	assert.True(t, trade.Price.Equal(d("100")), "executed at %s, want maker price", trade.Price)
	assert.Equal(t, models.OrderStatusFilled, result.Taker.Status)
	assert.False(t, result.Rested)
}

func TestFIFOWithinPriceLevel(t *testing.T) {
	e := newTestEngine(t)

	first := limitOrder(models.OrderSideSell, "100", "2")
	second := limitOrder(models.OrderSideSell, "100", "2")
	_, err := e.SubmitLimit(first)
	require.NoError(t, err)
	_, err = e.SubmitLimit(second)
	require.NoError(t, err)

	result, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "100", "3"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 2)

	assert.Equal(t, first.ID, result.Fills[0].Trade.MakerOrderID)
	assert.Equal(t, second.ID, result.Fills[1].Trade.MakerOrderID)
	assert.Equal(t, models.OrderStatusFilled, first.Status)
	assert.Equal(t, models.OrderStatusPartial, second.Status)
	assert.True(t, second.Remaining().Equal(d("1")))
}

func TestPartialFillRestsRemainder(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, "100", "2"))
	require.NoError(t, err)

	result, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "100", "5"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)
	assert.True(t, result.Rested)
	assert.Equal(t, models.OrderStatusPartial, result.Taker.Status)
	assert.True(t, result.Taker.Remaining().Equal(d("3")))

	best, ok := e.Book().BestBid()
	require.True(t, ok)
	assert.True(t, best.Equal(d("100")))
}

func TestMarketBuyWalksLevels(t *testing.T) {
	e := newTestEngine(t)

	for _, ask := range []struct{ price, qty string }{
		{"100", "1"}, {"101", "3"}, {"102", "2"},
	} {
		_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, ask.price, ask.qty))
		require.NoError(t, err)
	}

	result, err := e.SubmitMarket(marketOrder(models.OrderSideBuy, "6"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 3)

	cost := decimal.Zero
	for _, fill := range result.Fills {
		cost = cost.Add(fill.Trade.Price.Mul(fill.Trade.Quantity))
	}
	assert.True(t, cost.Equal(d("607")), "total cost %s", cost)
	assert.Equal(t, models.OrderStatusFilled, result.Taker.Status)
	assert.True(t, e.Book().OppositeEmpty(models.OrderSideBuy))
}

func TestMarketRejectsEmptyBook(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitMarket(marketOrder(models.OrderSideBuy, "1"))
	assert.ErrorIs(t, err, ErrNoLiquidity)

	// The rejection must leave no trace in the book.
	assert.True(t, e.Book().OppositeEmpty(models.OrderSideBuy))
	assert.True(t, e.Book().OppositeEmpty(models.OrderSideSell))
}

func TestMarketRemainderCancelled(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "100", "2"))
	require.NoError(t, err)

	result, err := e.SubmitMarket(marketOrder(models.OrderSideSell, "5"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)
	assert.Equal(t, models.OrderStatusCancelled, result.Taker.Status)
	assert.True(t, result.Taker.FilledQuantity.Equal(d("2")))
}

func TestMarketBuyRespectsQuoteBudget(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, "100", "10"))
	require.NoError(t, err)

	o := marketOrder(models.OrderSideBuy, "10")
	o.MaxQuoteAmount = d("350")
	result, err := e.SubmitMarket(o)
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)

	// 350 of budget buys exactly 3 units at 100.
	assert.True(t, result.Fills[0].Trade.Quantity.Equal(d("3")))
	assert.Equal(t, models.OrderStatusCancelled, result.Taker.Status)
}

func TestFeesAreNotionalTimesBps(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitLimit(limitOrder(models.OrderSideSell, "100", "4"))
	require.NoError(t, err)

	result, err := e.SubmitLimit(limitOrder(models.OrderSideBuy, "100", "4"))
	require.NoError(t, err)
	require.Len(t, result.Fills, 1)

	trade := result.Fills[0].Trade
	// notional 400: maker 10 bps = 0.4, taker 20 bps = 0.8
	assert.True(t, trade.MakerFee.Equal(d("0.4")), "maker fee %s", trade.MakerFee)
	assert.True(t, trade.TakerFee.Equal(d("0.8")), "taker fee %s", trade.TakerFee)
}

func TestCancelRestingOrder(t *testing.T) {
	e := newTestEngine(t)

	o := limitOrder(models.OrderSideBuy, "100", "5")
	_, err := e.SubmitLimit(o)
	require.NoError(t, err)

	cancelled, err := e.Cancel(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	_, ok := e.Book().BestBid()
	assert.False(t, ok)

	_, err = e.Cancel(o.ID)
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCancelUnknownOrder(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Cancel(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestBestPricesAcrossLevels(t *testing.T) {
	e := newTestEngine(t)

	for _, o := range []*models.Order{
		limitOrder(models.OrderSideBuy, "98", "1"),
		limitOrder(models.OrderSideBuy, "100", "1"),
		limitOrder(models.OrderSideSell, "105", "1"),
		limitOrder(models.OrderSideSell, "103", "1"),
	} {
		_, err := e.SubmitLimit(o)
		require.NoError(t, err)
	}

	bid, ok := e.Book().BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(d("100")))

	ask, ok := e.Book().BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(d("103")))

	bids, asks := e.Book().Depth(10)
	assert.Equal(t, [][]string{{"100", "1"}, {"98", "1"}}, bids)
	assert.Equal(t, [][]string{{"103", "1"}, {"105", "1"}}, asks)
}
