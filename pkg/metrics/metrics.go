package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unitex"

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersCancelled prometheus.Counter

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	tradesSettled   *prometheus.CounterVec
	creditsSettled  prometheus.Counter
	pairingsSkipped *prometheus.CounterVec
	outstanding     prometheus.Gauge
)

func setup() {
	once.Do(func() {
		ordersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted into Outstanding",
		}, []string{"side"})
		ordersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Order submissions rejected by the gate",
		}, []string{"reason"})
		ordersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Orders removed from Outstanding by cancellation",
		})
		cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_cycles_total",
			Help:      "Settlement cycles by outcome",
		}, []string{"outcome"})
		cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_cycle_seconds",
			Help:      "Time spent in one settlement cycle",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		})
		tradesSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_settled_total",
			Help:      "Trades committed, by asset",
		}, []string{"asset"})
		creditsSettled = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_settled_total",
			Help:      "Credits transferred from buyers to sellers",
		})
		pairingsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_skipped_total",
			Help:      "Compatible pairings that failed to settle",
		}, []string{"reason"})
		outstanding = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_orders",
			Help:      "Outstanding orders left after the last completed cycle",
		})

		registry.MustRegister(
			ordersSubmitted, ordersRejected, ordersCancelled,
			cycles, cycleDuration, tradesSettled, creditsSettled, pairingsSkipped, outstanding,
		)
	})
}

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	setup()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the collectors (tests read values back through it)
func Registry() *prometheus.Registry {
	setup()
	return registry
}

func OrderSubmitted(side string) {
	setup()
	ordersSubmitted.WithLabelValues(side).Inc()
}

func OrderRejected(reason string) {
	setup()
	ordersRejected.WithLabelValues(reason).Inc()
}

func OrderCancelled() {
	setup()
	ordersCancelled.Inc()
}

// CycleCompleted records a settlement cycle; outcome is "ok" or "store_unavailable"
func CycleCompleted(outcome string, took time.Duration, outstandingOrders int) {
	setup()
	cycles.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(took.Seconds())
	if outcome == "ok" {
		outstanding.Set(float64(outstandingOrders))
	}
}

func TradeSettled(asset string, value int64) {
	setup()
	tradesSettled.WithLabelValues(asset).Inc()
	creditsSettled.Add(float64(value))
}

func PairingSkipped(reason string) {
	setup()
	pairingsSkipped.WithLabelValues(reason).Inc()
}
