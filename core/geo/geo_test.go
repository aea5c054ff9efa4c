package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/lastmile/core/model"
)

func TestDistanceSamePoint(t *testing.T) {
	p := model.Coordinate{Lat: 10, Lng: 20}
	assert.InDelta(t, 0, Distance(p, p), 1e-9)
}

func TestDistanceKnownPair(t *testing.T) {
	paris := model.Coordinate{Lat: 48.8566, Lng: 2.3522}
	london := model.Coordinate{Lat: 51.5074, Lng: -0.1278}
	assert.InDelta(t, 343.5, Distance(paris, london), 1.0)
	assert.InDelta(t, Distance(paris, london), Distance(london, paris), 1e-9)
}

func TestCell(t *testing.T) {
	c := Cell(model.Coordinate{Lat: 48.8566, Lng: 2.3522}, 5)
	assert.Equal(t, "u09tv", c)
	assert.Len(t, Cell(model.Coordinate{Lat: 1, Lng: 1}, 0), int(DefaultPrecision))
}
