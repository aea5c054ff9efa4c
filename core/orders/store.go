// Package orders holds order records and their lifecycle. Each order is
// guarded by its own mutex so that guard-then-act sequences on one order are
// atomic without serializing unrelated orders.
package orders

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/internal/clock"
)

// Drivers is the part of the driver registry the store needs to assign and
// release drivers. Calls are made with an order lock held.
type Drivers interface {
	Reserve(driverID string) (model.Driver, error)
	SetBusy(driverID string, busy bool) error
	RecordAssignment(driverID, orderID string)
}

type entry struct {
	mu    sync.Mutex
	order *model.Order
}

// Store is an in-memory order store safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	orders     map[string]*entry
	byCustomer map[string][]string
	drivers    Drivers
	clock      clock.Clock
}

// New creates a Store. drivers may be nil when assignment is not used.
func New(drivers Drivers, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		orders:     make(map[string]*entry),
		byCustomer: make(map[string][]string),
		drivers:    drivers,
		clock:      c,
	}
}

// Create stores a new pending order. An id is generated when absent.
func (s *Store) Create(in model.NewOrder) (model.Order, error) {
	if in.CustomerID == "" {
		return model.Order{}, model.Validation("orders.create", "customer id is required")
	}
	if in.Origin != nil && !in.Origin.Valid() {
		return model.Order{}, model.Validation("orders.create", "origin out of range")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now()
	o := &model.Order{
		ID:          id,
		Status:      model.StatusPending,
		CustomerID:  in.CustomerID,
		StoreID:     in.StoreID,
		Origin:      in.Origin,
		Destination: in.Destination,
		Notified:    map[string]time.Time{},
		Rejected:    map[string]model.Rejection{},
		Details:     map[string]any{},
		History:     []model.StatusChange{{Status: model.StatusPending, At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for k, v := range in.Details {
		o.Details[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; ok {
		return model.Order{}, model.Conflict("orders.create", "order %s already exists", id)
	}
	s.orders[id] = &entry{order: o}
	s.byCustomer[in.CustomerID] = append(s.byCustomer[in.CustomerID], id)
	return o.Clone(), nil
}

func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[id]
}

// Get returns a snapshot of the order.
func (s *Store) Get(id string) (model.Order, error) {
	e := s.entry(id)
	if e == nil {
		return model.Order{}, model.NotFound("orders.get", "order %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// ByCustomer returns the customer's orders in creation order.
func (s *Store) ByCustomer(customerID string) []model.Order {
	s.mu.RLock()
	ids := append([]string(nil), s.byCustomer[customerID]...)
	s.mu.RUnlock()
	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		if o, err := s.Get(id); err == nil {
			out = append(out, o)
		}
	}
	return out
}

// List returns every order, oldest first.
func (s *Store) List() []model.Order {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.orders))
	for _, e := range s.orders {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	out := make([]model.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.order.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update runs fn with exclusive access to the order. fn works on a copy that
// is committed only when it returns nil, so a failed update leaves no trace.
func (s *Store) Update(id string, fn func(o *model.Order) error) (model.Order, error) {
	e := s.entry(id)
	if e == nil {
		return model.Order{}, model.NotFound("orders.update", "order %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	work := e.order.Clone()
	if err := fn(&work); err != nil {
		return e.order.Clone(), err
	}
	work.UpdatedAt = s.clock.Now()
	e.order = &work
	return work.Clone(), nil
}

// Transition moves the order to status and merges extra into its details.
// Leaving a terminal status is a conflict; any other move is allowed,
// including re-applying the current status. Reaching a terminal status
// releases the assigned driver.
func (s *Store) Transition(id string, status model.OrderStatus, extra map[string]any) (model.Order, error) {
	if !status.Valid() {
		return model.Order{}, model.Validation("orders.transition", "unknown status %q", status)
	}
	return s.Update(id, func(o *model.Order) error {
		return s.Apply(o, status, extra)
	})
}

// Apply performs a transition on o. It is meant for Update callbacks that
// combine a transition with other checks.
func (s *Store) Apply(o *model.Order, status model.OrderStatus, extra map[string]any) error {
	if o.Status.Terminal() {
		return model.Conflict("orders.transition", "order %s is already %s", o.ID, o.Status)
	}
	now := s.clock.Now()
	if o.Details == nil {
		o.Details = map[string]any{}
	}
	for k, v := range extra {
		o.Details[k] = v
	}
	o.Status = status
	o.History = append(o.History, model.StatusChange{Status: status, At: now, Details: extra})
	if status.Terminal() && o.AssignedDriver != "" && s.drivers != nil {
		// The driver may have been removed from the busy set already; the
		// order outcome does not depend on it.
		_ = s.drivers.SetBusy(o.AssignedDriver, false)
	}
	return nil
}

// AssignDriver reserves driverID and records it as the order's driver in a
// single step.
func (s *Store) AssignDriver(id, driverID string) (model.Order, error) {
	return s.Update(id, func(o *model.Order) error {
		return s.Assign(o, driverID)
	})
}

// Assign reserves driverID for o. It is meant for Update callbacks; the
// reservation must be the last fallible step of the callback.
func (s *Store) Assign(o *model.Order, driverID string) error {
	if s.drivers == nil {
		return model.Conflict("orders.assign", "no driver registry configured")
	}
	if o.Status.Terminal() {
		return model.Conflict("orders.assign", "order %s is already %s", o.ID, o.Status)
	}
	if o.AssignedDriver != "" {
		return model.Conflict("orders.assign", "order %s already assigned to %s", o.ID, o.AssignedDriver)
	}
	if _, err := s.drivers.Reserve(driverID); err != nil {
		return err
	}
	o.AssignedDriver = driverID
	s.drivers.RecordAssignment(driverID, o.ID)
	return nil
}

// StartAttempt installs a fresh candidate list for a new dispatch attempt,
// resetting the cursor and both ledgers together.
func (s *Store) StartAttempt(id string, candidates []model.Candidate) (model.Order, error) {
	return s.Update(id, func(o *model.Order) error {
		return ResetAttempt(o, candidates)
	})
}

// ResetAttempt starts a new dispatch attempt on o. It fails when o already
// has a driver or is terminal.
func ResetAttempt(o *model.Order, candidates []model.Candidate) error {
	if !o.AwaitingDispatch() {
		return model.Conflict("orders.attempt", "order %s is not awaiting dispatch", o.ID)
	}
	o.Candidates = append([]model.Candidate(nil), candidates...)
	o.NextIndex = 0
	o.Notified = map[string]time.Time{}
	o.Rejected = map[string]model.Rejection{}
	o.Attempts++
	return nil
}

// MarkNotified records that driverID received an offer. It reports whether
// the call changed state.
func (s *Store) MarkNotified(id, driverID string) (bool, error) {
	changed := false
	_, err := s.Update(id, func(o *model.Order) error {
		changed = o.MarkNotified(driverID, s.clock.Now())
		return nil
	})
	return changed, err
}

// MarkRejected records a rejection once per attempt. It reports whether the
// call changed state.
func (s *Store) MarkRejected(id, driverID, reason string) (bool, error) {
	changed := false
	_, err := s.Update(id, func(o *model.Order) error {
		changed = o.MarkRejected(driverID, reason, s.clock.Now())
		return nil
	})
	return changed, err
}

// HasBeenNotified reports whether driverID was offered the order in the
// current attempt.
func (s *Store) HasBeenNotified(id, driverID string) bool {
	o, err := s.Get(id)
	if err != nil {
		return false
	}
	_, ok := o.Notified[driverID]
	return ok
}

// HasRejected reports whether driverID declined the order in the current
// attempt.
func (s *Store) HasRejected(id, driverID string) bool {
	o, err := s.Get(id)
	if err != nil {
		return false
	}
	_, ok := o.Rejected[driverID]
	return ok
}
