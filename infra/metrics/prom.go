package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/lastmile/core/metrics"
)

// PromSink records dispatch activity in Prometheus metrics.
type PromSink struct {
	offers   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cascades *prometheus.HistogramVec
	fleet    *prometheus.GaugeVec
}

// NewPromSink registers sink metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered under the same name are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	offers, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lastmile_offers_total",
		Help: "Offers sent to drivers by delivery result",
	}, []string{"delivered"}))
	if err != nil {
		return nil, err
	}
	outcomes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lastmile_offer_outcomes_total",
		Help: "How offers ended",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	latency, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lastmile_offer_latency_seconds",
		Help:    "Time between an offer and its outcome",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	cascades, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lastmile_cascade_duration_seconds",
		Help:    "Duration of dispatch attempts by result",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	fleet, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lastmile_fleet_drivers",
		Help: "Drivers by availability state",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	return &PromSink{offers: offers, outcomes: outcomes, latency: latency, cascades: cascades, fleet: fleet}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordOffer counts an offer.
func (s *PromSink) RecordOffer(ev coremetrics.OfferEvent) error {
	s.offers.WithLabelValues(strconv.FormatBool(ev.Delivered)).Inc()
	return nil
}

// RecordOutcome counts an offer outcome and its latency.
func (s *PromSink) RecordOutcome(ev coremetrics.OutcomeEvent) error {
	s.outcomes.WithLabelValues(string(ev.Outcome)).Inc()
	if ev.Latency > 0 {
		s.latency.WithLabelValues(string(ev.Outcome)).Observe(ev.Latency.Seconds())
	}
	return nil
}

// RecordCascade observes the duration of a finished dispatch attempt.
func (s *PromSink) RecordCascade(ev coremetrics.CascadeEvent) error {
	s.cascades.WithLabelValues(string(ev.Result)).Observe(ev.Duration.Seconds())
	return nil
}

// RecordFleet sets the fleet gauges.
func (s *PromSink) RecordFleet(ev coremetrics.FleetEvent) error {
	s.fleet.WithLabelValues("known").Set(float64(ev.Known))
	s.fleet.WithLabelValues("online").Set(float64(ev.Online))
	s.fleet.WithLabelValues("idle").Set(float64(ev.Idle))
	return nil
}
