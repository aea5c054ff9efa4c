package metrics

import "time"

// Outcome classifies how an offer or a cascade ended.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeUnreachable  Outcome = "unreachable"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeNoCandidates Outcome = "no_candidates"
	OutcomeCancelled    Outcome = "cancelled"
)

// OfferEvent is recorded when an offer is sent, or fails to be sent, to a
// driver.
type OfferEvent struct {
	OrderID    string
	DriverID   string
	Attempt    int
	Index      int
	DistanceKm *float64
	Delivered  bool
	Time       time.Time
}

// OutcomeEvent is recorded when a driver answers an offer or the offer
// window closes.
type OutcomeEvent struct {
	OrderID  string
	DriverID string
	Outcome  Outcome
	Reason   string
	Latency  time.Duration
	Time     time.Time
}

// Sink records dispatch activity for observability purposes.
type Sink interface {
	RecordOffer(ev OfferEvent) error
	RecordOutcome(ev OutcomeEvent) error
}

// CascadeEvent summarises a finished dispatch attempt.
type CascadeEvent struct {
	OrderID  string
	Attempt  int
	Offers   int
	Result   Outcome
	Duration time.Duration
	Time     time.Time
}

// CascadeRecorder is implemented by sinks that track whole cascades.
type CascadeRecorder interface {
	RecordCascade(ev CascadeEvent) error
}

// FleetEvent is a snapshot of driver availability.
type FleetEvent struct {
	Known  int
	Online int
	Idle   int
	Time   time.Time
}

// FleetRecorder is implemented by sinks that track fleet size.
type FleetRecorder interface {
	RecordFleet(ev FleetEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordOffer(OfferEvent) error     { return nil }
func (NopSink) RecordOutcome(OutcomeEvent) error { return nil }
func (NopSink) RecordCascade(CascadeEvent) error { return nil }
func (NopSink) RecordFleet(FleetEvent) error     { return nil }

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordOffer forwards the event to all sinks, returning the first error.
func (m *MultiSink) RecordOffer(ev OfferEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordOffer(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordOutcome forwards the event to all sinks, returning the first error.
func (m *MultiSink) RecordOutcome(ev OutcomeEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordOutcome(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCascade forwards to sinks implementing CascadeRecorder.
func (m *MultiSink) RecordCascade(ev CascadeEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(CascadeRecorder); ok {
			if err := rec.RecordCascade(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFleet forwards to sinks implementing FleetRecorder.
func (m *MultiSink) RecordFleet(ev FleetEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(FleetRecorder); ok {
			if err := rec.RecordFleet(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases sinks holding resources, such as open clients.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
