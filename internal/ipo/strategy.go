package ipo

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumenex/exchange-core/pkg/models"
)

// AllocationStrategy decides how many shares each application receives.
// Implementations must return, for every application, an allocation between
// zero and the quantity requested, summing to at most totalShares.
type AllocationStrategy interface {
	Allocate(totalShares decimal.Decimal, apps []*models.IPOApplication) map[uuid.UUID]decimal.Decimal
}

// ProRata scales every application by offered/requested, floors to whole
// shares, and hands the remainder out one share at a time to the earliest
// applicants by sequence.
type ProRata struct{}

// Allocate implements AllocationStrategy.
func (ProRata) Allocate(totalShares decimal.Decimal, apps []*models.IPOApplication) map[uuid.UUID]decimal.Decimal {
	allocations := make(map[uuid.UUID]decimal.Decimal, len(apps))
	totalRequested := decimal.Zero
	for _, app := range apps {
		totalRequested = totalRequested.Add(app.QuantityRequested)
	}

	if totalRequested.LessThanOrEqual(totalShares) {
		for _, app := range apps {
			allocations[app.ID] = app.QuantityRequested
		}
		return allocations
	}

	allocated := decimal.Zero
	for _, app := range apps {
		share := app.QuantityRequested.Mul(totalShares).Div(totalRequested).Floor()
		allocations[app.ID] = share
		allocated = allocated.Add(share)
	}

	ordered := make([]*models.IPOApplication, len(apps))
	copy(ordered, apps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	one := decimal.NewFromInt(1)
	remainder := totalShares.Sub(allocated)
	for remainder.GreaterThan(decimal.Zero) {
		progressed := false
		for _, app := range ordered {
			if remainder.LessThanOrEqual(decimal.Zero) {
				break
			}
			if allocations[app.ID].LessThan(app.QuantityRequested) {
				allocations[app.ID] = allocations[app.ID].Add(one)
				remainder = remainder.Sub(one)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return allocations
}
