package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/lumenex/exchange-core/pkg/models"
)

// priceKeyWidth is the fixed width of B-tree price keys. Keys encode the
// price as a zero-padded tick count, so lexicographic order equals numeric
// order. Aligned limit prices are always exact tick multiples.
const priceKeyWidth = 32

func (b *OrderBook) priceKey(price decimal.Decimal) string {
	s := price.Div(b.instrument.TickSize).String()
	if len(s) >= priceKeyWidth {
		return s
	}
	return strings.Repeat("0", priceKeyWidth-len(s)) + s
}

// priceLevel is the FIFO queue of resting orders at one price. Queue order
// reflects arrival sequence; every queued order has Remaining() > 0.
type priceLevel struct {
	price decimal.Decimal
	queue []*models.Order
}

func (pl *priceLevel) enqueue(o *models.Order) {
	pl.queue = append(pl.queue, o)
}

func (pl *priceLevel) head() *models.Order {
	if len(pl.queue) == 0 {
		return nil
	}
	return pl.queue[0]
}

func (pl *priceLevel) dropHead() {
	pl.queue = pl.queue[1:]
}

func (pl *priceLevel) remove(id uuid.UUID) bool {
	for i, o := range pl.queue {
		if o.ID == id {
			pl.queue = append(pl.queue[:i], pl.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *priceLevel) totalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.queue {
		total = total.Add(o.Remaining())
	}
	return total
}

// OrderBook holds the bid and ask ladders for one instrument. Bids and asks
// are B-tree maps keyed by fixed-width price strings; each value is the FIFO
// level at that price. All mutation goes through the matching engine, which
// the exchange serializes per instrument.
type OrderBook struct {
	instrument models.Instrument
	bids       *btree.Map[string, *priceLevel]
	asks       *btree.Map[string, *priceLevel]
	ordersByID map[uuid.UUID]*models.Order
	lastTrade  decimal.Decimal
}

// NewOrderBook creates an empty book for the instrument.
func NewOrderBook(instrument models.Instrument) *OrderBook {
	return &OrderBook{
		instrument: instrument,
		bids:       new(btree.Map[string, *priceLevel]),
		asks:       new(btree.Map[string, *priceLevel]),
		ordersByID: make(map[uuid.UUID]*models.Order),
	}
}

// Instrument returns the book's instrument definition.
func (b *OrderBook) Instrument() models.Instrument { return b.instrument }

// LastTradePrice returns the most recent execution price, zero before any trade.
func (b *OrderBook) LastTradePrice() decimal.Decimal { return b.lastTrade }

func (b *OrderBook) sideFor(side string) *btree.Map[string, *priceLevel] {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) oppositeFor(side string) *btree.Map[string, *priceLevel] {
	if side == models.OrderSideBuy {
		return b.asks
	}
	return b.bids
}

// BestBid returns the highest resting bid price.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	_, level, ok := b.bids.Max()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	_, level, ok := b.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}

// Get returns a resting or partially tracked order by id.
func (b *OrderBook) Get(id uuid.UUID) (*models.Order, bool) {
	o, ok := b.ordersByID[id]
	return o, ok
}

// rest inserts an order at the back of its price level's queue.
func (b *OrderBook) rest(o *models.Order) {
	side := b.sideFor(o.Side)
	key := b.priceKey(o.Price)
	level, ok := side.Get(key)
	if !ok {
		level = &priceLevel{price: o.Price}
		side.Set(key, level)
	}
	level.enqueue(o)
	b.ordersByID[o.ID] = o
}

// unrest removes an order from its level, dropping the level when empty.
func (b *OrderBook) unrest(o *models.Order) error {
	side := b.sideFor(o.Side)
	key := b.priceKey(o.Price)
	level, ok := side.Get(key)
	if !ok || !level.remove(o.ID) {
		return fmt.Errorf("%w: %s not resting at %s", ErrUnknownOrder, o.ID, o.Price)
	}
	if len(level.queue) == 0 {
		side.Delete(key)
	}
	delete(b.ordersByID, o.ID)
	return nil
}

// bestOppositeLevel returns the level an incoming order would match first.
func (b *OrderBook) bestOppositeLevel(takerSide string) (*priceLevel, bool) {
	opposite := b.oppositeFor(takerSide)
	if takerSide == models.OrderSideBuy {
		_, level, ok := opposite.Min()
		return level, ok
	}
	_, level, ok := opposite.Max()
	return level, ok
}

// dropOppositeLevelIfEmpty removes an emptied level from the opposite ladder.
func (b *OrderBook) dropOppositeLevelIfEmpty(takerSide string, level *priceLevel) {
	if len(level.queue) > 0 {
		return
	}
	b.oppositeFor(takerSide).Delete(b.priceKey(level.price))
}

// OppositeEmpty reports whether the side an incoming order would match
// against has no resting depth at all.
func (b *OrderBook) OppositeEmpty(takerSide string) bool {
	return b.oppositeFor(takerSide).Len() == 0
}

// Depth returns up to n price levels per side as [price, quantity] pairs,
// bids best-first descending and asks best-first ascending.
func (b *OrderBook) Depth(n int) (bids [][]string, asks [][]string) {
	b.bids.Reverse(func(_ string, level *priceLevel) bool {
		bids = append(bids, []string{level.price.String(), level.totalQuantity().String()})
		return len(bids) < n
	})
	b.asks.Scan(func(_ string, level *priceLevel) bool {
		asks = append(asks, []string{level.price.String(), level.totalQuantity().String()})
		return len(asks) < n
	})
	return bids, asks
}
