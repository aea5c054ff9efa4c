package dispatch

import (
	"time"

	"github.com/kilianp07/lastmile/core/model"
)

// Search statuses reported to customers while a driver is being found.
const (
	SearchFinding          = "finding"
	SearchAvailableDrivers = "availableDrivers"
	SearchFound            = "found"
	SearchNoDriver         = "noDriver"
)

// Reasons recorded on rejections and cancellations.
const (
	ReasonNoDriver    = "no driver available"
	ReasonTimeout     = "timeout"
	ReasonUnreachable = "unreachable"
	ReasonRejected    = "rejected"
)

// OfferPayload is sent to a driver with the new_order event.
type OfferPayload struct {
	OrderID        string            `json:"order_id"`
	CustomerID     string            `json:"customer_id"`
	StoreID        string            `json:"store_id,omitempty"`
	Pickup         *model.Coordinate `json:"pickup_location,omitempty"`
	Delivery       *model.Coordinate `json:"delivery_location,omitempty"`
	DistanceKm     *float64          `json:"distance_km,omitempty"`
	Details        map[string]any    `json:"details,omitempty"`
	Attempt        int               `json:"attempt"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// SearchPayload keeps the customer informed about the cascade.
type SearchPayload struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Candidates int    `json:"candidates,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// OrderPayload carries an order snapshot and, when relevant, its driver.
type OrderPayload struct {
	Order  model.Order   `json:"order"`
	Driver *model.Driver `json:"driver,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Response is a driver's answer to an offer.
type Response int

const (
	Accept Response = iota
	Reject
)

func (r Response) String() string {
	if r == Accept {
		return "accept"
	}
	return "reject"
}
