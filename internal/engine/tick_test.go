package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAlignPriceFloorsToTick(t *testing.T) {
	tick := d("1000000")

	aligned, err := AlignPrice(d("1000001"), tick)
	require.NoError(t, err)
	assert.True(t, aligned.Equal(d("1000000")), "got %s", aligned)

	aligned, err = AlignPrice(d("1999999"), tick)
	require.NoError(t, err)
	assert.True(t, aligned.Equal(d("1000000")), "got %s", aligned)

	aligned, err = AlignPrice(d("2000000"), tick)
	require.NoError(t, err)
	assert.True(t, aligned.Equal(d("2000000")), "got %s", aligned)
}

func TestAlignPriceFractionalTick(t *testing.T) {
	aligned, err := AlignPrice(d("50.57"), d("0.05"))
	require.NoError(t, err)
	assert.True(t, aligned.Equal(d("50.55")), "got %s", aligned)
}

func TestAlignPriceRejectsSubTickPrice(t *testing.T) {
	_, err := AlignPrice(d("999999"), d("1000000"))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestAlignPriceRejectsNonPositive(t *testing.T) {
	_, err := AlignPrice(d("0"), d("1"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = AlignPrice(d("-5"), d("1"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = AlignPrice(d("10"), d("0"))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
