package model

import "time"

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within latitude/longitude bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Location is the last reported position of a driver.
type Location struct {
	Coordinate
	Geohash   string    `json:"geohash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Driver represents a courier known to the registry. Drivers are never
// removed; a disconnected driver is simply offline.
type Driver struct {
	ID         string         `json:"id"`
	Conn       string         `json:"-"`
	Online     bool           `json:"is_online"`
	Busy       bool           `json:"is_busy"`
	Location   *Location      `json:"location,omitempty"`
	LastActive time.Time      `json:"last_active"`
	Info       map[string]any `json:"info,omitempty"`
	History    []string       `json:"history,omitempty"`
}

// RankedDriver pairs a driver with its straight-line distance to an origin.
// Distance is nil when either side has no known position.
type RankedDriver struct {
	Driver
	Distance *float64 `json:"distance_km,omitempty"`
}
