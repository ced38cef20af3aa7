package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides and kinds.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Order statuses. An order is immutable once it reaches FILLED or CANCELLED.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusPartial   = "PARTIAL"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
)

// Offering statuses.
const (
	OfferingStatusOpen     = "OPEN"
	OfferingStatusClosed   = "CLOSED"
	OfferingStatusAllotted = "ALLOTTED"
)

// Application statuses.
const (
	ApplicationStatusPending        = "PENDING"
	ApplicationStatusPaymentPending = "PAYMENT_PENDING"
	ApplicationStatusAllotted       = "ALLOTTED"
	ApplicationStatusRejected       = "REJECTED"
	ApplicationStatusRefunded       = "REFUNDED"
)

// Instrument describes a tradable pair and its price/size constraints.
// Limit prices must be multiples of TickSize; quantities at least MinOrderSize.
type Instrument struct {
	Symbol       string          `json:"symbol" gorm:"primaryKey"`
	BaseAsset    string          `json:"base_asset"`
	QuoteAsset   string          `json:"quote_asset"`
	TickSize     decimal.Decimal `json:"tick_size" gorm:"type:numeric"`
	MinOrderSize decimal.Decimal `json:"min_order_size" gorm:"type:numeric"`
}

// Order represents a trading order. Price is the tick-aligned limit price and
// is zero for market orders. MaxQuoteAmount bounds the escrow of a market buy.
type Order struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Instrument     string          `json:"instrument" gorm:"index"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price" gorm:"type:numeric"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:numeric"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" gorm:"type:numeric"`
	MaxQuoteAmount decimal.Decimal `json:"max_quote_amount,omitempty" gorm:"type:numeric"`
	Status         string          `json:"status" gorm:"index"`
	Sequence       uint64          `json:"sequence"`
	EscrowID       uuid.UUID       `json:"escrow_id" gorm:"type:uuid"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade is an append-only record of a single match. Settled flips to true
// exactly once, after the settlement executor moves the assets.
type Trade struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Instrument   string          `json:"instrument" gorm:"index"`
	MakerOrderID uuid.UUID       `json:"maker_order_id" gorm:"type:uuid"`
	TakerOrderID uuid.UUID       `json:"taker_order_id" gorm:"type:uuid"`
	MakerUserID  uuid.UUID       `json:"maker_user_id" gorm:"type:uuid"`
	TakerUserID  uuid.UUID       `json:"taker_user_id" gorm:"type:uuid"`
	TakerSide    string          `json:"taker_side"`
	Price        decimal.Decimal `json:"price" gorm:"type:numeric"`
	Quantity     decimal.Decimal `json:"quantity" gorm:"type:numeric"`
	MakerFee     decimal.Decimal `json:"maker_fee" gorm:"type:numeric"`
	TakerFee     decimal.Decimal `json:"taker_fee" gorm:"type:numeric"`
	ExecutedAt   time.Time       `json:"executed_at"`
	Settled      bool            `json:"settled"`
}

// IPOOffering is a primary listing selling TotalSharesOffered at a fixed
// PricePerShare during [WindowOpen, WindowClose).
type IPOOffering struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Instrument         string          `json:"instrument" gorm:"index"`
	IssuerID           uuid.UUID       `json:"issuer_id" gorm:"type:uuid"`
	TotalSharesOffered decimal.Decimal `json:"total_shares_offered" gorm:"type:numeric"`
	PricePerShare      decimal.Decimal `json:"price_per_share" gorm:"type:numeric"`
	MinSubscription    decimal.Decimal `json:"min_subscription" gorm:"type:numeric"`
	MaxSubscription    decimal.Decimal `json:"max_subscription" gorm:"type:numeric"`
	WindowOpen         time.Time       `json:"window_open"`
	WindowClose        time.Time       `json:"window_close"`
	TotalSubscribed    decimal.Decimal `json:"total_subscribed" gorm:"type:numeric"`
	Status             string          `json:"status" gorm:"index"`
}

// IPOApplication is one applicant's subscription to an offering. Once the
// allocator runs, QuantityAllocated and RefundAmount satisfy
// RefundAmount = (QuantityRequested - QuantityAllocated) * PricePerShare.
type IPOApplication struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OfferingID        uuid.UUID       `json:"offering_id" gorm:"type:uuid;index"`
	ApplicantID       uuid.UUID       `json:"applicant_id" gorm:"type:uuid;index"`
	Sequence          uint64          `json:"sequence"`
	QuantityRequested decimal.Decimal `json:"quantity_requested" gorm:"type:numeric"`
	AmountEscrowed    decimal.Decimal `json:"amount_escrowed" gorm:"type:numeric"`
	QuantityAllocated decimal.Decimal `json:"quantity_allocated" gorm:"type:numeric"`
	RefundAmount      decimal.Decimal `json:"refund_amount" gorm:"type:numeric"`
	EscrowID          uuid.UUID       `json:"escrow_id" gorm:"type:uuid"`
	Status            string          `json:"status" gorm:"index"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PaymentVerificationRecord is the write-once result of verifying an
// externally submitted transfer against an expected claim.
type PaymentVerificationRecord struct {
	TxSignature       string          `json:"tx_signature" gorm:"primaryKey"`
	ExpectedFrom      string          `json:"expected_from"`
	ExpectedTo        string          `json:"expected_to"`
	ExpectedAmount    decimal.Decimal `json:"expected_amount" gorm:"type:numeric"`
	ToleranceAbs      decimal.Decimal `json:"tolerance_abs" gorm:"type:numeric"`
	TransferredAmount decimal.Decimal `json:"transferred_amount" gorm:"type:numeric"`
	Verified          bool            `json:"verified"`
	VerifiedAt        time.Time       `json:"verified_at"`
}
