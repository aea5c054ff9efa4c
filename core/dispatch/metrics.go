package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	offersSent     *prometheus.CounterVec
	offerOutcomes  *prometheus.CounterVec
	offerLatency   *prometheus.HistogramVec
	activeCascades prometheus.Gauge
	ledgerFailures *prometheus.CounterVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.HistogramVec, prometheus.Gauge, *prometheus.CounterVec) {
	sent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offers_total",
			Help: "Number of offers sent to drivers",
		},
		[]string{"delivered"},
	)
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_offer_outcomes_total",
			Help: "Offer and cascade outcomes",
		},
		[]string{"outcome"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_offer_response_seconds",
			Help:    "Time between an offer and the driver's answer or the window closing",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"outcome"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_cascades",
			Help: "Orders currently looking for a driver",
		},
	)
	ledger := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_ledger_failures_total",
			Help: "Failed calls to the order ledger",
		},
		[]string{"operation"},
	)
	return sent, outcomes, lat, active, ledger
}

func init() {
	offersSent, offerOutcomes, offerLatency, activeCascades, ledgerFailures = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(offersSent, offerOutcomes, offerLatency, activeCascades, ledgerFailures)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	offersSent, offerOutcomes, offerLatency, activeCascades, ledgerFailures = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
