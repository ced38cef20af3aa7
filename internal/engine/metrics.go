package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks per-instrument matching activity.
type Metrics struct {
	OrdersAccepted *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	TradesMatched  *prometheus.CounterVec
}

// NewMetrics registers the matching counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_accepted_total",
			Help: "Orders accepted by the matching engine.",
		}, []string{"instrument", "type"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Orders rejected before any state change.",
		}, []string{"instrument", "type", "reason"}),
		TradesMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_trades_matched_total",
			Help: "Trades produced by the matching engine.",
		}, []string{"instrument"}),
	}
}
