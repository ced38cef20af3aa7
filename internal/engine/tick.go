package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Matching and book errors.
var (
	ErrInvalidPrice        = errors.New("invalid price")
	ErrOrderTooSmall       = errors.New("order below minimum size")
	ErrNoLiquidity         = errors.New("no liquidity")
	ErrUnknownOrder        = errors.New("unknown order")
	ErrOrderNotCancellable = errors.New("order not cancellable")
)

// AlignPrice normalizes a requested limit price onto the instrument's tick
// grid by flooring to the nearest lower multiple of tickSize. A price that
// floors to zero or below is rejected.
func AlignPrice(price, tickSize decimal.Decimal) (decimal.Decimal, error) {
	if tickSize.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: tick size %s", ErrInvalidPrice, tickSize)
	}
	rem := price.Mod(tickSize)
	aligned := price.Sub(rem)
	if aligned.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s aligns to %s on tick %s", ErrInvalidPrice, price, aligned, tickSize)
	}
	return aligned, nil
}
