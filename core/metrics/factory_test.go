package metrics_test

import (
	"errors"
	"testing"

	"github.com/kilianp07/lastmile/core/factory"
	metrics "github.com/kilianp07/lastmile/core/metrics"
	_ "github.com/kilianp07/lastmile/infra/metrics"
)

/*
TestMetricsFactory_Builtins verifies registration via infra/metrics/factory.go.

	Cases:
	- instantiate builtin nop sink
	- unknown type returns error
*/
func TestMetricsFactory_Builtins(t *testing.T) {
	s, err := metrics.NewSink([]factory.ModuleConfig{{Type: "nop"}})
	if err != nil {
		t.Fatalf("create nop: %v", err)
	}
	if s == nil {
		t.Fatal("expected sink instance")
	}
	if _, err := metrics.NewSink([]factory.ModuleConfig{{Type: "missing"}}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

/*
TestNewSink_Multi validates NewSink behavior with zero, one, and multiple configs.
Cases:
  - no config -> NopSink
  - two configs -> MultiSink with two sub-sinks
*/
func TestNewSink_Multi(t *testing.T) {
	s, err := metrics.NewSink(nil)
	if err != nil {
		t.Fatalf("create nop default: %v", err)
	}
	if _, ok := s.(metrics.NopSink); !ok {
		t.Fatalf("expected NopSink, got %T", s)
	}

	cfgs := []factory.ModuleConfig{{Type: "nop"}, {Type: "nop"}}
	s, err = metrics.NewSink(cfgs)
	if err != nil {
		t.Fatalf("create multi: %v", err)
	}
	m, ok := s.(*metrics.MultiSink)
	if !ok {
		t.Fatalf("expected MultiSink, got %T", s)
	}
	if len(m.Sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(m.Sinks))
	}
}

type countingSink struct {
	offers, outcomes, cascades int
	err                        error
}

func (c *countingSink) RecordOffer(metrics.OfferEvent) error     { c.offers++; return c.err }
func (c *countingSink) RecordOutcome(metrics.OutcomeEvent) error { c.outcomes++; return c.err }
func (c *countingSink) RecordCascade(metrics.CascadeEvent) error { c.cascades++; return c.err }

func TestMultiSink_ForwardsAndStopsOnError(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := metrics.NewMultiSink(a, b, metrics.NopSink{})
	if err := m.RecordOffer(metrics.OfferEvent{OrderID: "o1"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := m.RecordOutcome(metrics.OutcomeEvent{OrderID: "o1"}); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if err := m.RecordCascade(metrics.CascadeEvent{OrderID: "o1"}); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if err := m.RecordFleet(metrics.FleetEvent{Online: 2}); err != nil {
		t.Fatalf("fleet: %v", err)
	}
	if a.offers != 1 || b.outcomes != 1 || b.cascades != 1 {
		t.Fatalf("unexpected counts a=%+v b=%+v", a, b)
	}

	failing := &countingSink{err: errors.New("down")}
	after := &countingSink{}
	m = metrics.NewMultiSink(failing, after)
	if err := m.RecordOffer(metrics.OfferEvent{}); err == nil {
		t.Fatal("expected error")
	}
	if after.offers != 0 {
		t.Fatal("sinks after a failure should not be called")
	}
}
