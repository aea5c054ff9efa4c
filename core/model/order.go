package model

import "time"

// OrderStatus is the process status of an order.
type OrderStatus string

const (
	StatusPending                  OrderStatus = "pending"
	StatusFindingDriver            OrderStatus = "finding_driver"
	StatusDriverAccepted           OrderStatus = "driver_accepted"
	StatusStoreAccepted            OrderStatus = "store_accepted"
	StatusDriverArrivedStore       OrderStatus = "driver_arrived_store"
	StatusDriverPicked             OrderStatus = "driver_picked"
	StatusDriverArrivedDestination OrderStatus = "driver_arrived_destination"
	StatusCompleted                OrderStatus = "completed"
	StatusCancelled                OrderStatus = "cancelled"
)

var knownStatuses = map[OrderStatus]struct{}{
	StatusPending: {}, StatusFindingDriver: {}, StatusDriverAccepted: {},
	StatusStoreAccepted: {}, StatusDriverArrivedStore: {}, StatusDriverPicked: {},
	StatusDriverArrivedDestination: {}, StatusCompleted: {}, StatusCancelled: {},
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InDelivery reports whether s is one of the post-acceptance delivery steps
// a driver may report.
func (s OrderStatus) InDelivery() bool {
	switch s {
	case StatusStoreAccepted, StatusDriverArrivedStore, StatusDriverPicked, StatusDriverArrivedDestination:
		return true
	}
	return false
}

// Candidate is a driver considered for one dispatch attempt.
type Candidate struct {
	DriverID string   `json:"driver_id"`
	Distance *float64 `json:"distance_km,omitempty"`
}

// Rejection records why and when a driver declined an offer.
type Rejection struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// StatusChange is one entry of an order's status history.
type StatusChange struct {
	Status  OrderStatus    `json:"status"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// NewOrder carries the fields accepted when an order is submitted.
type NewOrder struct {
	ID          string         `json:"order_id"`
	CustomerID  string         `json:"customer_id"`
	StoreID     string         `json:"store_id,omitempty"`
	Origin      *Coordinate    `json:"origin,omitempty"`
	Destination *Coordinate    `json:"destination,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Order is the in-memory record of a delivery order and its dispatch state.
type Order struct {
	ID             string               `json:"order_id"`
	Status         OrderStatus          `json:"status"`
	CustomerID     string               `json:"customer_id"`
	StoreID        string               `json:"store_id,omitempty"`
	Origin         *Coordinate          `json:"origin,omitempty"`
	Destination    *Coordinate          `json:"destination,omitempty"`
	AssignedDriver string               `json:"assigned_driver,omitempty"`
	Candidates     []Candidate          `json:"candidates,omitempty"`
	NextIndex      int                  `json:"next_index"`
	Notified       map[string]time.Time `json:"notified,omitempty"`
	Rejected       map[string]Rejection `json:"rejected,omitempty"`
	Attempts       int                  `json:"attempts"`
	Details        map[string]any       `json:"details,omitempty"`
	History        []StatusChange       `json:"history,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// AwaitingDispatch reports whether the order still needs a driver.
func (o *Order) AwaitingDispatch() bool {
	if o.AssignedDriver != "" {
		return false
	}
	return o.Status == StatusPending || o.Status == StatusFindingDriver
}

// CandidateIndex returns the position of driverID in the candidate list or -1.
func (o *Order) CandidateIndex(driverID string) int {
	for i, c := range o.Candidates {
		if c.DriverID == driverID {
			return i
		}
	}
	return -1
}

// MarkNotified records an offer to driverID. It reports whether the ledger
// changed.
func (o *Order) MarkNotified(driverID string, at time.Time) bool {
	if _, ok := o.Notified[driverID]; ok {
		return false
	}
	if o.Notified == nil {
		o.Notified = map[string]time.Time{}
	}
	o.Notified[driverID] = at
	return true
}

// MarkRejected records a rejection by driverID once. It reports whether the
// ledger changed.
func (o *Order) MarkRejected(driverID, reason string, at time.Time) bool {
	if _, ok := o.Rejected[driverID]; ok {
		return false
	}
	if o.Rejected == nil {
		o.Rejected = map[string]Rejection{}
	}
	o.Rejected[driverID] = Rejection{Reason: reason, At: at}
	return true
}

// Clone returns a deep copy safe to hand out of the store.
func (o *Order) Clone() Order {
	c := *o
	if o.Origin != nil {
		v := *o.Origin
		c.Origin = &v
	}
	if o.Destination != nil {
		v := *o.Destination
		c.Destination = &v
	}
	c.Candidates = append([]Candidate(nil), o.Candidates...)
	c.Notified = make(map[string]time.Time, len(o.Notified))
	for k, v := range o.Notified {
		c.Notified[k] = v
	}
	c.Rejected = make(map[string]Rejection, len(o.Rejected))
	for k, v := range o.Rejected {
		c.Rejected[k] = v
	}
	c.Details = make(map[string]any, len(o.Details))
	for k, v := range o.Details {
		c.Details[k] = v
	}
	c.History = append([]StatusChange(nil), o.History...)
	return c
}
