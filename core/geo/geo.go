// Package geo provides straight-line distance and cell encoding for
// driver positions.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/kilianp07/lastmile/core/model"
)

// EarthRadiusKm is the mean earth radius used by Distance.
const EarthRadiusKm = 6371.0

// DefaultPrecision is the geohash length stored with driver locations
// (roughly 1.2km x 0.6km cells).
const DefaultPrecision uint = 6

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b model.Coordinate) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Cell encodes c as a geohash of the given precision.
func Cell(c model.Coordinate, precision uint) string {
	if precision == 0 {
		precision = DefaultPrecision
	}
	return geohash.EncodeWithPrecision(c.Lat, c.Lng, precision)
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
