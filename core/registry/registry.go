// Package registry keeps the in-memory directory of drivers: connection
// bindings, online and busy flags, and last known location.
package registry

import (
	"sort"
	"sync"

	"github.com/kilianp07/lastmile/core/geo"
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/internal/clock"
)

// LocationObserver is notified after a driver location changes.
type LocationObserver interface {
	OnLocation(d model.Driver)
}

// Query selects drivers for ListAvailable. A nil FilterBusy keeps drivers in
// any busy state; a nil Origin skips ranking.
type Query struct {
	FilterBusy *bool
	Origin     *model.Coordinate
}

// Registry is safe for concurrent use. Every exported method is atomic with
// respect to a single driver.
type Registry struct {
	mu        sync.RWMutex
	drivers   map[string]*model.Driver
	byConn    map[string]string
	clock     clock.Clock
	observers []LocationObserver
}

// New creates an empty registry. A nil clock defaults to the real clock.
func New(c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	return &Registry{
		drivers: make(map[string]*model.Driver),
		byConn:  make(map[string]string),
		clock:   c,
	}
}

// AddObserver registers a location observer.
func (r *Registry) AddObserver(o LocationObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Register creates the driver if unknown or refreshes it, marks it online
// and binds conn to it. Any earlier binding of the driver is released, as is
// any other driver previously bound to conn.
func (r *Registry) Register(driverID, conn string, info map[string]any) (model.Driver, error) {
	if driverID == "" {
		return model.Driver{}, model.Validation("registry.register", "driver id is required")
	}
	if conn == "" {
		return model.Driver{}, model.Validation("registry.register", "connection is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if prevID, ok := r.byConn[conn]; ok && prevID != driverID {
		if prev := r.drivers[prevID]; prev != nil {
			prev.Conn = ""
			prev.Online = false
		}
	}
	d, ok := r.drivers[driverID]
	if !ok {
		d = &model.Driver{ID: driverID}
		r.drivers[driverID] = d
	}
	if d.Conn != "" && d.Conn != conn {
		delete(r.byConn, d.Conn)
	}
	if info != nil {
		d.Info = info
	}
	d.Conn = conn
	d.Online = true
	d.LastActive = now
	r.byConn[conn] = driverID
	return clone(d), nil
}

// RecordDisconnect marks the driver bound to conn offline and drops the
// binding. Busy is left untouched.
func (r *Registry) RecordDisconnect(conn string) (model.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn]
	if !ok {
		return model.Driver{}, false
	}
	delete(r.byConn, conn)
	d := r.drivers[id]
	if d == nil {
		return model.Driver{}, false
	}
	d.Conn = ""
	d.Online = false
	d.LastActive = r.clock.Now()
	return clone(d), true
}

// SetOnline applies a driver reported status change. Going offline drops the
// connection binding; going online requires a live binding.
func (r *Registry) SetOnline(driverID string, online bool) (model.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return model.Driver{}, model.NotFound("registry.status", "driver %s", driverID)
	}
	if online {
		if d.Conn == "" {
			return model.Driver{}, model.Conflict("registry.status", "driver %s has no live connection", driverID)
		}
	} else if d.Conn != "" {
		delete(r.byConn, d.Conn)
		d.Conn = ""
	}
	d.Online = online
	d.LastActive = r.clock.Now()
	return clone(d), nil
}

// SetBusy sets the busy flag unconditionally.
func (r *Registry) SetBusy(driverID string, busy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return model.NotFound("registry.busy", "driver %s", driverID)
	}
	d.Busy = busy
	return nil
}

// Reserve flips an online, idle driver to busy in one step.
func (r *Registry) Reserve(driverID string) (model.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return model.Driver{}, model.NotFound("registry.reserve", "driver %s", driverID)
	}
	if !d.Online {
		return model.Driver{}, model.Conflict("registry.reserve", "driver %s is offline", driverID)
	}
	if d.Busy {
		return model.Driver{}, model.Conflict("registry.reserve", "driver %s is busy", driverID)
	}
	d.Busy = true
	return clone(d), nil
}

// RecordAssignment appends orderID to the driver's history.
func (r *Registry) RecordAssignment(driverID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[driverID]; ok {
		d.History = append(d.History, orderID)
	}
}

// UpdateLocation stores a new position. Out of range coordinates are a
// validation error and leave the previous position in place.
func (r *Registry) UpdateLocation(driverID string, lat, lng float64) (*model.Location, error) {
	c := model.Coordinate{Lat: lat, Lng: lng}
	if !c.Valid() {
		return nil, model.Validation("registry.location", "coordinate %v,%v out of range", lat, lng)
	}
	r.mu.Lock()
	d, ok := r.drivers[driverID]
	if !ok {
		r.mu.Unlock()
		return nil, model.NotFound("registry.location", "driver %s", driverID)
	}
	now := r.clock.Now()
	d.Location = &model.Location{Coordinate: c, Geohash: geo.Cell(c, geo.DefaultPrecision), UpdatedAt: now}
	d.LastActive = now
	loc := *d.Location
	snapshot := clone(d)
	observers := append([]LocationObserver(nil), r.observers...)
	r.mu.Unlock()

	for _, o := range observers {
		o.OnLocation(snapshot)
	}
	return &loc, nil
}

// Get returns a copy of the driver.
func (r *Registry) Get(driverID string) (model.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return model.Driver{}, false
	}
	return clone(d), true
}

// ByConn returns the driver bound to conn.
func (r *Registry) ByConn(conn string) (model.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn]
	if !ok {
		return model.Driver{}, false
	}
	return clone(r.drivers[id]), true
}

// IsReachable reports whether an offer can be sent to the driver now.
func (r *Registry) IsReachable(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	return ok && d.Online && !d.Busy && d.Conn != ""
}

// ListAvailable returns online drivers matching q. With an origin, drivers
// with a known location come first ordered by ascending distance, followed
// by drivers without location. Ties and unranked drivers are ordered by id.
func (r *Registry) ListAvailable(q Query) []model.RankedDriver {
	r.mu.RLock()
	res := make([]model.RankedDriver, 0, len(r.drivers))
	for _, d := range r.drivers {
		if !d.Online {
			continue
		}
		if q.FilterBusy != nil && d.Busy != *q.FilterBusy {
			continue
		}
		rd := model.RankedDriver{Driver: clone(d)}
		if q.Origin != nil && d.Location != nil {
			dist := geo.Distance(*q.Origin, d.Location.Coordinate)
			rd.Distance = &dist
		}
		res = append(res, rd)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		a, b := res[i].Distance, res[j].Distance
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// Count returns the number of known and online drivers.
func (r *Registry) Count() (known, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers), len(r.byConn)
}

func clone(d *model.Driver) model.Driver {
	c := *d
	if d.Location != nil {
		l := *d.Location
		c.Location = &l
	}
	c.History = append([]string(nil), d.History...)
	return c
}
