package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/registry"
	"github.com/kilianp07/lastmile/infra/locationcache"
)

type regDirectory struct{ reg *registry.Registry }

func (d regDirectory) QueryOnlineDrivers(filterBusy *bool, origin *model.Coordinate) []model.RankedDriver {
	return d.reg.ListAvailable(registry.Query{FilterBusy: filterBusy, Origin: origin})
}

type fakeNearby struct{ err error }

func (f fakeNearby) Nearby(context.Context, model.Coordinate, float64, int) ([]locationcache.Nearby, error) {
	return []locationcache.Nearby{{DriverID: "D1", DistanceKm: 0.1}}, f.err
}

func setup(t *testing.T, nearby NearbyFinder) http.Handler {
	t.Helper()
	reg := registry.New(nil)
	_, err := reg.Register("D1", "c1", map[string]any{"name": "An"})
	require.NoError(t, err)
	reg.UpdateLocation("D1", 10, 20)
	_, err = reg.Register("D2", "c2", nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetBusy("D2", true))

	r := mux.NewRouter()
	NewHandler(regDirectory{reg}, reg, nearby).Register(r)
	return r
}

func get(t *testing.T, h http.Handler, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestOnlineDrivers(t *testing.T) {
	h := setup(t, nil)

	var all onlineResponse
	assert.Equal(t, http.StatusOK, get(t, h, "/api/drivers/online", &all))
	assert.Equal(t, 2, all.Count)

	var free onlineResponse
	assert.Equal(t, http.StatusOK, get(t, h, "/api/drivers/online?busy=false&lat=10&lng=20", &free))
	require.Equal(t, 1, free.Count)
	assert.Equal(t, "D1", free.Drivers[0].ID)
	require.NotNil(t, free.Drivers[0].Distance)
	assert.InDelta(t, 0, *free.Drivers[0].Distance, 1e-9)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/online?busy=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/online?lat=100&lng=0", nil))
}

func TestGetDriver(t *testing.T) {
	h := setup(t, nil)
	var resp driverResponse
	assert.Equal(t, http.StatusOK, get(t, h, "/api/drivers/D1", &resp))
	require.NotNil(t, resp.Driver)
	assert.True(t, resp.Driver.Online)
	assert.Equal(t, "An", resp.Driver.Info["name"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/drivers/nobody", nil))
}

func TestNearby(t *testing.T) {
	assert.Equal(t, http.StatusNotImplemented, get(t, setup(t, nil), "/api/drivers/nearby?lat=1&lng=1", nil))

	h := setup(t, fakeNearby{})
	var resp nearbyResponse
	assert.Equal(t, http.StatusOK, get(t, h, "/api/drivers/nearby?lat=10&lng=20&radius_km=2", &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/nearby", nil))

	assert.Equal(t, http.StatusBadGateway, get(t, setup(t, fakeNearby{err: errors.New("down")}), "/api/drivers/nearby?lat=1&lng=1", nil))
}
