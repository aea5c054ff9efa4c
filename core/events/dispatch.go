package events

import "time"

// Kind names a dispatch step.
type Kind string

const (
	KindSearchStarted Kind = "search_started"
	KindNoCandidates  Kind = "no_candidates"
	KindOfferSent     Kind = "offer_sent"
	KindOfferFailed   Kind = "offer_failed"
	KindSkipped       Kind = "skipped"
	KindAccepted      Kind = "accepted"
	KindRejected      Kind = "rejected"
	KindTimeout       Kind = "timeout"
	KindExhausted     Kind = "exhausted"
	KindCancelled     Kind = "cancelled"
	KindCompleted     Kind = "completed"
	KindProgress      Kind = "progress"
)

// DispatchEvent describes one step of an order's dispatch.
type DispatchEvent struct {
	OrderID  string    `json:"order_id"`
	DriverID string    `json:"driver_id,omitempty"`
	Kind     Kind      `json:"kind"`
	Attempt  int       `json:"attempt"`
	Index    int       `json:"index"`
	Reason   string    `json:"reason,omitempty"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}
