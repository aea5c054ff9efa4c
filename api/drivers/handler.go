// Package drivers exposes the driver directory over HTTP.
package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/infra/locationcache"
)

// Directory answers online driver queries.
type Directory interface {
	QueryOnlineDrivers(filterBusy *bool, origin *model.Coordinate) []model.RankedDriver
}

// Lookup finds a single driver.
type Lookup interface {
	Get(driverID string) (model.Driver, bool)
}

// NearbyFinder runs radius queries against the location cache.
type NearbyFinder interface {
	Nearby(ctx context.Context, origin model.Coordinate, radiusKm float64, limit int) ([]locationcache.Nearby, error)
}

// Handler serves /api/drivers.
type Handler struct {
	dir    Directory
	lookup Lookup
	nearby NearbyFinder
}

// NewHandler creates the handler. nearby may be nil when no location cache
// is configured.
func NewHandler(dir Directory, lookup Lookup, nearby NearbyFinder) *Handler {
	return &Handler{dir: dir, lookup: lookup, nearby: nearby}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/drivers/online", h.online).Methods(http.MethodGet)
	r.HandleFunc("/api/drivers/nearby", h.nearbyDrivers).Methods(http.MethodGet)
	r.HandleFunc("/api/drivers/{id}", h.get).Methods(http.MethodGet)
}

type onlineResponse struct {
	Success bool                 `json:"success"`
	Count   int                  `json:"count"`
	Drivers []model.RankedDriver `json:"drivers"`
}

type driverResponse struct {
	Success bool          `json:"success"`
	Driver  *model.Driver `json:"driver,omitempty"`
	Message string        `json:"message,omitempty"`
}

type nearbyResponse struct {
	Success bool                   `json:"success"`
	Count   int                    `json:"count"`
	Drivers []locationcache.Nearby `json:"drivers"`
}

// online handles GET /api/drivers/online?busy=&lat=&lng=.
func (h *Handler) online(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filterBusy *bool
	if s := q.Get("busy"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, driverResponse{Message: "busy must be a boolean"})
			return
		}
		filterBusy = &b
	}
	origin, ok, err := parseOrigin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, driverResponse{Message: err.Error()})
		return
	}
	var originPtr *model.Coordinate
	if ok {
		originPtr = &origin
	}
	list := h.dir.QueryOnlineDrivers(filterBusy, originPtr)
	if list == nil {
		list = []model.RankedDriver{}
	}
	writeJSON(w, http.StatusOK, onlineResponse{Success: true, Count: len(list), Drivers: list})
}

// nearbyDrivers handles GET /api/drivers/nearby?lat=&lng=&radius_km=&limit=.
func (h *Handler) nearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if h.nearby == nil {
		writeJSON(w, http.StatusNotImplemented, driverResponse{Message: "location cache not configured"})
		return
	}
	origin, ok, err := parseOrigin(r)
	if err != nil || !ok {
		writeJSON(w, http.StatusBadRequest, driverResponse{Message: "lat and lng are required"})
		return
	}
	radius, err := strconv.ParseFloat(r.URL.Query().Get("radius_km"), 64)
	if err != nil || radius <= 0 {
		radius = 5
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	list, err := h.nearby.Nearby(r.Context(), origin, radius, limit)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, driverResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, nearbyResponse{Success: true, Count: len(list), Drivers: list})
}

// get handles GET /api/drivers/{id}.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := h.lookup.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, driverResponse{Message: "driver not found"})
		return
	}
	writeJSON(w, http.StatusOK, driverResponse{Success: true, Driver: &d})
}

func parseOrigin(r *http.Request) (model.Coordinate, bool, error) {
	q := r.URL.Query()
	latS, lngS := q.Get("lat"), q.Get("lng")
	if latS == "" && lngS == "" {
		return model.Coordinate{}, false, nil
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lng, err2 := strconv.ParseFloat(lngS, 64)
	c := model.Coordinate{Lat: lat, Lng: lng}
	if err1 != nil || err2 != nil || !c.Valid() {
		return model.Coordinate{}, false, errInvalidOrigin
	}
	return c, true, nil
}

var errInvalidOrigin = errors.New("lat and lng must both be valid coordinates")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
