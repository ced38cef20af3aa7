package events

import "time"

// Standard event topics.
const (
	TopicOrder      = "order"
	TopicTrade      = "trade"
	TopicSettlement = "settlement"
	TopicIPO        = "ipo"
	TopicPayment    = "payment"
)

// Event types, one per state transition.
const (
	TypeOrderAccepted        = "ORDER_ACCEPTED"
	TypeOrderPartiallyFilled = "ORDER_PARTIALLY_FILLED"
	TypeOrderFilled          = "ORDER_FILLED"
	TypeOrderCancelled       = "ORDER_CANCELLED"
	TypeTradeSettled         = "TRADE_SETTLED"
	TypeIPOAllotted          = "IPO_ALLOTTED"
	TypeIPORejected          = "IPO_REJECTED"
	TypePaymentVerified      = "PAYMENT_VERIFIED"
	TypePaymentRejected      = "PAYMENT_REJECTED"
)

// Event is the envelope published on the bus. Delivery is at-least-once; the
// persistence layer is idempotent on primary keys.
type Event struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderEvent is the payload for order lifecycle events.
type OrderEvent struct {
	OrderID        string `json:"order_id"`
	UserID         string `json:"user_id"`
	Instrument     string `json:"instrument"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	Status         string `json:"status"`
}

// TradeEvent is the payload for trade settlement events.
type TradeEvent struct {
	TradeID      string `json:"trade_id"`
	Instrument   string `json:"instrument"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	MakerFee     string `json:"maker_fee"`
	TakerFee     string `json:"taker_fee"`
}

// IPOEvent is the payload for allotment and rejection events.
type IPOEvent struct {
	OfferingID        string `json:"offering_id"`
	ApplicationID     string `json:"application_id"`
	ApplicantID       string `json:"applicant_id"`
	QuantityAllocated string `json:"quantity_allocated"`
	RefundAmount      string `json:"refund_amount"`
	Status            string `json:"status"`
}

// PaymentEvent is the payload for payment verification outcomes.
type PaymentEvent struct {
	TxSignature string `json:"tx_signature"`
	Verified    bool   `json:"verified"`
	Reason      string `json:"reason,omitempty"`
}
