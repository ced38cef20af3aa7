package exchange

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/engine"
	"github.com/lumenex/exchange-core/internal/escrow"
	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/internal/payment"
	"github.com/lumenex/exchange-core/internal/settlement"
	"github.com/lumenex/exchange-core/pkg/models"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var testInstrument = models.Instrument{
	Symbol:       "LMX/USD",
	BaseAsset:    "LMX",
	QuoteAsset:   "USD",
	TickSize:     d("1"),
	MinOrderSize: d("1"),
}

type exchangeFixture struct {
	ledger       *escrow.Ledger
	executor     *settlement.Executor
	exchange     *Exchange
	feeCollector uuid.UUID
}

func newExchangeFixture(t *testing.T, cfg engine.Config) *exchangeFixture {
	return newExchangeFixtureWith(t, cfg, nil, nil)
}

func newExchangeFixtureWith(t *testing.T, cfg engine.Config, retry settlement.Enqueuer, verifier PaymentVerifier) *exchangeFixture {
	t.Helper()
	log := zap.NewNop()
	ledger := escrow.NewLedger(log)
	feeCollector := uuid.New()
	executor := settlement.NewExecutor(ledger, feeCollector, events.NopBus{}, log)
	ex := New(ledger, executor, retry, verifier, events.NopBus{}, cfg, nil, log)
	ex.RegisterInstrument(testInstrument)
	return &exchangeFixture{ledger: ledger, executor: executor, exchange: ex, feeCollector: feeCollector}
}

// stubVerifier mirrors the on-chain verifier's contract: the first call for a
// signature creates the record, later calls return the stored one.
type stubVerifier struct {
	seen map[string]*models.PaymentVerificationRecord
}

func (v *stubVerifier) Verify(ctx context.Context, txSignature, expectedFrom, expectedTo string, expectedAmount, toleranceAbs decimal.Decimal) (*models.PaymentVerificationRecord, bool, error) {
	if v.seen == nil {
		v.seen = make(map[string]*models.PaymentVerificationRecord)
	}
	if rec, ok := v.seen[txSignature]; ok {
		return rec, false, nil
	}
	rec := &models.PaymentVerificationRecord{
		TxSignature:       txSignature,
		ExpectedFrom:      expectedFrom,
		ExpectedTo:        expectedTo,
		ExpectedAmount:    expectedAmount,
		TransferredAmount: expectedAmount,
		Verified:          true,
	}
	v.seen[txSignature] = rec
	return rec, true, nil
}

// captureEnqueuer records settlement requests instead of producing them.
type captureEnqueuer struct {
	requests []settlement.Request
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, req settlement.Request) error {
	c.requests = append(c.requests, req)
	return nil
}

func (f *exchangeFixture) trader(t *testing.T, asset, amount string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.ledger.Deposit(context.Background(), id, asset, d(amount)))
	return id
}

func (f *exchangeFixture) balance(t *testing.T, owner uuid.UUID, asset string) escrow.Balance {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), owner, asset)
	require.NoError(t, err)
	return bal
}

func TestPlaceLimitBuyEscrowsQuote(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	alice := f.trader(t, "USD", "1000")

	order, trades, err := f.exchange.PlaceLimit(ctx, alice, "LMX/USD", models.OrderSideBuy, d("100"), d("5"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	bal := f.balance(t, alice, "USD")
	assert.True(t, bal.Available.Equal(d("500")))
	assert.True(t, bal.Locked.Equal(d("500")))
}

func TestPlaceLimitRejectsWithoutFunds(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	alice := f.trader(t, "USD", "100")

	_, _, err := f.exchange.PlaceLimit(context.Background(), alice, "LMX/USD", models.OrderSideBuy, d("100"), d("5"))
	assert.ErrorIs(t, err, escrow.ErrInsufficientBalance)
}

func TestPlaceLimitUnknownInstrument(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	_, _, err := f.exchange.PlaceLimit(context.Background(), uuid.New(), "NOPE/USD", models.OrderSideBuy, d("100"), d("1"))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestCrossingOrdersSettleInline(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	seller := f.trader(t, "LMX", "3")
	buyer := f.trader(t, "USD", "300")

	_, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("100"), d("3"))
	require.NoError(t, err)

	order, trades, err := f.exchange.PlaceLimit(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("100"), d("3"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.True(t, trades[0].Settled)

	assert.True(t, f.balance(t, buyer, "LMX").Available.Equal(d("3")))
	assert.True(t, f.balance(t, seller, "USD").Available.Equal(d("300")))
	assert.True(t, f.balance(t, buyer, "USD").Locked.IsZero())
	assert.True(t, f.balance(t, seller, "LMX").Locked.IsZero())
}

func TestLimitBuyerGetsPriceImprovement(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	seller := f.trader(t, "LMX", "3")
	buyer := f.trader(t, "USD", "165")

	_, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("50"), d("3"))
	require.NoError(t, err)

	// Bid 55 against a resting ask at 50: executes at 50, the 15 of quote
	// escrowed above the execution price comes back.
	order, trades, err := f.exchange.PlaceLimit(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("55"), d("3"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(d("50")))
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	bal := f.balance(t, buyer, "USD")
	assert.True(t, bal.Available.Equal(d("15")), "available %s", bal.Available)
	assert.True(t, bal.Locked.IsZero())
	assert.True(t, f.balance(t, buyer, "LMX").Available.Equal(d("3")))
}

func TestMarketBuyReleasesLeftoverBudget(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	seller := f.trader(t, "LMX", "2")
	buyer := f.trader(t, "USD", "500")

	_, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("100"), d("2"))
	require.NoError(t, err)

	order, trades, err := f.exchange.PlaceMarket(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("2"), d("500"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	// 200 spent of the 500 budget; the rest returns immediately.
	bal := f.balance(t, buyer, "USD")
	assert.True(t, bal.Available.Equal(d("300")), "available %s", bal.Available)
	assert.True(t, bal.Locked.IsZero())
}

func TestMarketBuyRequiresQuoteCap(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	seller := f.trader(t, "LMX", "1")
	_, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("100"), d("1"))
	require.NoError(t, err)

	_, _, err = f.exchange.PlaceMarket(ctx, uuid.New(), "LMX/USD", models.OrderSideBuy, d("1"), decimal.Zero)
	assert.ErrorIs(t, err, ErrMissingQuoteCap)
}

func TestMarketOrderEmptyBookHasNoSideEffects(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	buyer := f.trader(t, "USD", "500")

	_, _, err := f.exchange.PlaceMarket(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("1"), d("500"))
	assert.ErrorIs(t, err, engine.ErrNoLiquidity)

	// No escrow was taken and the book is untouched.
	bal := f.balance(t, buyer, "USD")
	assert.True(t, bal.Available.Equal(d("500")))
	assert.True(t, bal.Locked.IsZero())
	bids, asks, err := f.exchange.Depth("LMX/USD", 10)
	require.NoError(t, err)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestMarketSellRemainderRefunded(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	buyer := f.trader(t, "USD", "200")
	seller := f.trader(t, "LMX", "5")

	_, _, err := f.exchange.PlaceLimit(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("100"), d("2"))
	require.NoError(t, err)

	order, trades, err := f.exchange.PlaceMarket(ctx, seller, "LMX/USD", models.OrderSideSell, d("5"), decimal.Zero)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	// 2 sold at 100, the unfilled 3 LMX return to available.
	sellerBase := f.balance(t, seller, "LMX")
	assert.True(t, sellerBase.Available.Equal(d("3")))
	assert.True(t, sellerBase.Locked.IsZero())
	assert.True(t, f.balance(t, seller, "USD").Available.Equal(d("200")))
}

func TestCancelReturnsEscrow(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	alice := f.trader(t, "USD", "500")

	order, _, err := f.exchange.PlaceLimit(ctx, alice, "LMX/USD", models.OrderSideBuy, d("100"), d("5"))
	require.NoError(t, err)

	cancelled, err := f.exchange.Cancel(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	bal := f.balance(t, alice, "USD")
	assert.True(t, bal.Available.Equal(d("500")))
	assert.True(t, bal.Locked.IsZero())

	_, err = f.exchange.Cancel(ctx, order.ID)
	assert.ErrorIs(t, err, engine.ErrUnknownOrder)
}

func TestFeesFlowToCollector(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{MakerFeeBps: 10, TakerFeeBps: 20})
	ctx := context.Background()
	seller := f.trader(t, "LMX", "4")
	buyer := f.trader(t, "USD", "400")

	_, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("100"), d("4"))
	require.NoError(t, err)
	_, trades, err := f.exchange.PlaceLimit(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("100"), d("4"))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// notional 400: maker (seller) fee 0.4 quote, taker (buyer) fee 0.8
	// quote collected as 0.008 base.
	assert.True(t, f.balance(t, f.feeCollector, "USD").Available.Equal(d("0.4")))
	assert.True(t, f.balance(t, f.feeCollector, "LMX").Available.Equal(d("0.008")))
	assert.True(t, f.balance(t, buyer, "LMX").Available.Equal(d("3.992")))
	assert.True(t, f.balance(t, seller, "USD").Available.Equal(d("399.6")))
}

func TestSubmittedPriceFloorsToTick(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	alice := f.trader(t, "USD", "1000")

	order, _, err := f.exchange.PlaceLimit(ctx, alice, "LMX/USD", models.OrderSideBuy, d("100.7"), d("1"))
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(d("100")), "price %s", order.Price)

	// Escrow reflects the aligned price, not the submitted one.
	bal := f.balance(t, alice, "USD")
	assert.True(t, bal.Locked.Equal(d("100")))
}

func TestConservationAcrossManyOrders(t *testing.T) {
	f := newExchangeFixture(t, engine.Config{})
	ctx := context.Background()
	alice := f.trader(t, "USD", "10000")
	bob := f.trader(t, "LMX", "100")

	for _, ask := range []struct{ price, qty string }{
		{"100", "1"}, {"101", "3"}, {"102", "2"},
	} {
		_, _, err := f.exchange.PlaceLimit(ctx, bob, "LMX/USD", models.OrderSideSell, d(ask.price), d(ask.qty))
		require.NoError(t, err)
	}

	order, trades, err := f.exchange.PlaceMarket(ctx, alice, "LMX/USD", models.OrderSideBuy, d("6"), d("10000"))
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	// 1*100 + 3*101 + 2*102 = 607 quote for 6 base.
	assert.True(t, f.balance(t, alice, "USD").Available.Equal(d("9393")))
	assert.True(t, f.balance(t, alice, "LMX").Available.Equal(d("6")))
	assert.True(t, f.balance(t, bob, "USD").Available.Equal(d("607")))

	usdTotal := f.balance(t, alice, "USD").Total.Add(f.balance(t, bob, "USD").Total)
	lmxTotal := f.balance(t, alice, "LMX").Total.Add(f.balance(t, bob, "LMX").Total)
	assert.True(t, usdTotal.Equal(d("10000")))
	assert.True(t, lmxTotal.Equal(d("100")))
}

func TestVerifyDepositCreditsSignatureOnce(t *testing.T) {
	f := newExchangeFixtureWith(t, engine.Config{}, nil, &stubVerifier{})
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, f.exchange.VerifyDeposit(ctx, owner, "SOL", "sig-1", "src", "dst", d("100"), d("0.01")))
	assert.True(t, f.balance(t, owner, "SOL").Available.Equal(d("100")))

	// Resubmitting a verified signature must not credit again.
	err := f.exchange.VerifyDeposit(ctx, owner, "SOL", "sig-1", "src", "dst", d("100"), d("0.01"))
	assert.ErrorIs(t, err, payment.ErrSignatureReplayed)
	bal := f.balance(t, owner, "SOL")
	assert.True(t, bal.Available.Equal(d("100")), "available %s", bal.Available)
}

func TestInlineSettleFailureQueuesRetry(t *testing.T) {
	retry := &captureEnqueuer{}
	f := newExchangeFixtureWith(t, engine.Config{}, retry, nil)
	ctx := context.Background()
	seller := f.trader(t, "LMX", "2")
	buyer := f.trader(t, "USD", "500")

	makerOrder, _, err := f.exchange.PlaceLimit(ctx, seller, "LMX/USD", models.OrderSideSell, d("100"), d("2"))
	require.NoError(t, err)

	// The maker's escrow disappears out from under the book, so the inline
	// settle of the crossing market buy fails.
	_, err = f.ledger.ReleaseAll(ctx, makerOrder.EscrowID)
	require.NoError(t, err)

	order, trades, err := f.exchange.PlaceMarket(ctx, buyer, "LMX/USD", models.OrderSideBuy, d("2"), d("500"))
	require.ErrorIs(t, err, settlement.ErrSettlementFailed)
	require.Len(t, trades, 1)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	require.Len(t, retry.requests, 1)
	req := retry.requests[0]
	assert.Equal(t, trades[0].ID, req.Trade.ID)

	// Only the unspent 300 of the 500 budget comes back; the 200 the unsettled
	// fill still owes stays escrowed for the retry.
	bal := f.balance(t, buyer, "USD")
	assert.True(t, bal.Available.Equal(d("300")), "available %s", bal.Available)
	assert.True(t, bal.Locked.Equal(d("200")), "locked %s", bal.Locked)

	// Re-escrow the seller's base and replay the queued request: the retry
	// drains both escrows exactly.
	require.NoError(t, f.ledger.Lock(ctx, seller, "LMX", d("2"), escrow.ReasonOrder, req.Maker.EscrowID))
	require.NoError(t, f.executor.Settle(ctx, &req.Trade, &req.Maker, &req.Taker, req.Instrument))
	assert.True(t, f.balance(t, buyer, "LMX").Available.Equal(d("2")))
	assert.True(t, f.balance(t, buyer, "USD").Locked.IsZero())
	assert.True(t, f.balance(t, seller, "USD").Available.Equal(d("200")))
}
