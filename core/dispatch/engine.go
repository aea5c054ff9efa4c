package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kilianp07/lastmile/core/events"
	"github.com/kilianp07/lastmile/core/ledger"
	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/core/metrics"
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/monitoring"
	"github.com/kilianp07/lastmile/core/orders"
	"github.com/kilianp07/lastmile/core/registry"
	"github.com/kilianp07/lastmile/core/transport"
	"github.com/kilianp07/lastmile/internal/clock"
	"github.com/kilianp07/lastmile/internal/eventbus"
)

// Engine ranks drivers for an order and runs the sequential offer cascade.
//
// Offer timers are never cancelled. Every continuation (timer, driver
// response, delayed step) re-validates the order under its lock before
// acting, so a late or duplicate firing is a no-op.
type Engine struct {
	drivers   *registry.Registry
	orders    *orders.Store
	transport transport.Transport
	ledger    ledger.Ledger
	sink      metrics.Sink
	bus       *eventbus.TypedBus[events.DispatchEvent]
	clock     clock.Clock
	cfg       Config
	log       logger.Logger

	// cascades maps order ids with a running cascade to its start time.
	cascades sync.Map
}

// NewEngine creates an engine. cfg defaults are applied before validation.
func NewEngine(reg *registry.Registry, store *orders.Store, tr transport.Transport, cfg Config, log logger.Logger) (*Engine, error) {
	if reg == nil || store == nil || tr == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewEngine")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Engine{
		drivers:   reg,
		orders:    store,
		transport: tr,
		ledger:    ledger.Nop{},
		sink:      metrics.NopSink{},
		clock:     clock.Real(),
		cfg:       cfg,
		log:       log,
	}, nil
}

// The setters below must be called before the engine handles traffic.

// SetLedger configures the order system of record.
func (e *Engine) SetLedger(l ledger.Ledger) {
	if l != nil {
		e.ledger = l
	}
}

// SetMetricsSink configures where offer activity is recorded.
func (e *Engine) SetMetricsSink(s metrics.Sink) {
	if s != nil {
		e.sink = s
	}
}

// SetEventBus configures the bus receiving a DispatchEvent per step.
func (e *Engine) SetEventBus(b *eventbus.TypedBus[events.DispatchEvent]) { e.bus = b }

// SetClock replaces the time source, mainly for tests.
func (e *Engine) SetClock(c clock.Clock) {
	if c != nil {
		e.clock = c
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// CreateOrder stores a new pending order.
func (e *Engine) CreateOrder(in model.NewOrder) (model.Order, error) {
	o, err := e.orders.Create(in)
	if err != nil {
		return o, err
	}
	e.log.Infow("order created", logger.Fields{"order_id": o.ID, "customer_id": o.CustomerID})
	return o, nil
}

// SubmitOrder loads an order from the ledger unless it is already known
// locally, then starts a dispatch attempt for it.
func (e *Engine) SubmitOrder(ctx context.Context, orderID string) (model.Order, error) {
	if orderID == "" {
		return model.Order{}, model.Validation("dispatch.submit", "order id is required")
	}
	if _, err := e.orders.Get(orderID); err != nil {
		var in model.NewOrder
		err := e.callLedger(ctx, "fetch", orderID, func(ctx context.Context) error {
			var ferr error
			in, ferr = e.ledger.FetchOrder(ctx, orderID)
			return ferr
		})
		if err != nil {
			return model.Order{}, err
		}
		in.ID = orderID
		if _, err := e.CreateOrder(in); err != nil && !errors.Is(err, model.ErrConflict) {
			return model.Order{}, err
		}
	}
	return e.FindDriver(ctx, orderID)
}

// FindDriver starts a new dispatch attempt: the order moves to
// finding_driver, candidates are ranked and the first offer goes out. An
// empty candidate list cancels the order; that outcome is reported through
// the returned status, not as an error.
func (e *Engine) FindDriver(ctx context.Context, orderID string) (model.Order, error) {
	current, err := e.orders.Get(orderID)
	if err != nil {
		return model.Order{}, err
	}
	candidates := e.Rank(current)
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		if !o.AwaitingDispatch() {
			return model.Conflict("dispatch.find", "order %s is %s", o.ID, o.Status)
		}
		if err := e.orders.Apply(o, model.StatusFindingDriver, map[string]any{"search_status": SearchFinding}); err != nil {
			return err
		}
		if err := orders.ResetAttempt(o, candidates); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return e.orders.Apply(o, model.StatusCancelled, map[string]any{
				"reason":        ReasonNoDriver,
				"search_status": SearchNoDriver,
			})
		}
		// Registered under the order lock so a concurrent cancel or
		// accept always finds the cascade to close.
		if _, loaded := e.cascades.LoadOrStore(o.ID, e.clock.Now()); !loaded {
			activeCascades.Inc()
		}
		return nil
	})
	if err != nil {
		return o, err
	}

	if len(candidates) == 0 {
		e.log.Infow("no driver available", logger.Fields{"order_id": o.ID, "attempt": o.Attempts})
		e.emit(events.DispatchEvent{OrderID: o.ID, Kind: events.KindNoCandidates, Attempt: o.Attempts, Reason: ReasonNoDriver, Status: string(o.Status)})
		e.finishCascade(o, metrics.OutcomeNoCandidates)
		e.notify(ctx, transport.Customer(o.CustomerID), transport.EventNoDriver,
			SearchPayload{OrderID: o.ID, Status: SearchNoDriver, Reason: ReasonNoDriver})
		err := e.callLedger(ctx, "cancel", o.ID, func(ctx context.Context) error {
			return e.ledger.CancelOrder(ctx, o.ID, ReasonNoDriver)
		})
		return o, err
	}

	e.log.Infow("searching driver", logger.Fields{"order_id": o.ID, "attempt": o.Attempts, "candidates": len(candidates)})
	e.emit(events.DispatchEvent{OrderID: o.ID, Kind: events.KindSearchStarted, Attempt: o.Attempts, Status: string(o.Status)})
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventFindingDriver,
		SearchPayload{OrderID: o.ID, Status: SearchAvailableDrivers, Candidates: len(candidates)})
	ledgerErr := e.callLedger(ctx, "update", o.ID, func(ctx context.Context) error {
		return e.ledger.UpdateOrder(ctx, o.ID, model.StatusFindingDriver, "", "")
	})

	e.step(o.ID)

	latest, err := e.orders.Get(o.ID)
	if err != nil {
		return o, err
	}
	return latest, ledgerErr
}

// offer is the work produced by a step under the order lock and carried
// out after the lock is released.
type offer struct {
	order     model.Order
	candidate model.Candidate
	index     int
}

type skip struct {
	driverID string
	index    int
}

// step sends the next offer of the cascade. It loops instead of recursing
// over stale candidates and over drivers whose offer could not be
// delivered, and returns once an offer is out, another offer is still open,
// or the cascade has ended.
func (e *Engine) step(orderID string) {
	for {
		next, done := e.nextOffer(orderID)
		if done {
			return
		}
		if err := e.sendOffer(next); err != nil {
			e.offerFailed(next, err)
			continue
		}
		driverID, attempt := next.candidate.DriverID, next.order.Attempts
		e.clock.AfterFunc(e.cfg.offerTimeout(), func() {
			defer monitoring.Recover()
			e.onTimeout(orderID, driverID, attempt)
		})
		return
	}
}

// nextOffer picks and marks the next candidate under the order lock. It
// ends the cascade when the list is exhausted.
func (e *Engine) nextOffer(orderID string) (offer, bool) {
	var (
		next      offer
		found     bool
		exhausted bool
		skipped   []skip
	)
	now := e.clock.Now()
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		if !o.AwaitingDispatch() {
			return nil
		}
		for o.NextIndex < len(o.Candidates) {
			c := o.Candidates[o.NextIndex]
			_, notified := o.Notified[c.DriverID]
			_, rejected := o.Rejected[c.DriverID]
			if notified && !rejected {
				// The offer to this candidate is still open.
				return nil
			}
			if rejected || !e.drivers.IsReachable(c.DriverID) {
				skipped = append(skipped, skip{driverID: c.DriverID, index: o.NextIndex})
				o.NextIndex++
				continue
			}
			o.MarkNotified(c.DriverID, now)
			next = offer{candidate: c, index: o.NextIndex}
			found = true
			return nil
		}
		exhausted = true
		return e.orders.Apply(o, model.StatusCancelled, map[string]any{
			"reason":        ReasonNoDriver,
			"search_status": SearchNoDriver,
		})
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			e.log.Errorf("dispatch step for order %s failed: %v", orderID, err)
		}
		return offer{}, true
	}
	for _, s := range skipped {
		e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: s.driverID, Kind: events.KindSkipped, Attempt: o.Attempts, Index: s.index})
	}
	if exhausted {
		e.exhausted(o)
		return offer{}, true
	}
	if !found {
		return offer{}, true
	}
	next.order = o
	return next, false
}

func (e *Engine) exhausted(o model.Order) {
	e.log.Infow("candidates exhausted", logger.Fields{"order_id": o.ID, "attempt": o.Attempts, "offers": len(o.Notified)})
	e.emit(events.DispatchEvent{OrderID: o.ID, Kind: events.KindExhausted, Attempt: o.Attempts, Index: o.NextIndex, Reason: ReasonNoDriver, Status: string(o.Status)})
	e.finishCascade(o, metrics.OutcomeExhausted)
	ctx := context.Background()
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventNoDriver,
		SearchPayload{OrderID: o.ID, Status: SearchNoDriver, Reason: ReasonNoDriver})
	_ = e.callLedger(ctx, "cancel", o.ID, func(ctx context.Context) error {
		return e.ledger.CancelOrder(ctx, o.ID, ReasonNoDriver)
	})
}

func (e *Engine) sendOffer(next offer) error {
	o, c := next.order, next.candidate
	now := e.clock.Now()
	timeout := e.cfg.offerTimeout()
	payload := OfferPayload{
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		StoreID:        o.StoreID,
		Pickup:         o.Origin,
		Delivery:       o.Destination,
		DistanceKm:     c.Distance,
		Details:        o.Details,
		Attempt:        o.Attempts,
		TimeoutSeconds: int(timeout / time.Second),
		ExpiresAt:      now.Add(timeout),
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.publishTimeout())
	defer cancel()
	err := e.transport.Publish(ctx, transport.Driver(c.DriverID), transport.EventNewOrder, transport.Success(now, payload))
	delivered := err == nil

	offersSent.WithLabelValues(strconv.FormatBool(delivered)).Inc()
	if rerr := e.sink.RecordOffer(metrics.OfferEvent{
		OrderID:    o.ID,
		DriverID:   c.DriverID,
		Attempt:    o.Attempts,
		Index:      next.index,
		DistanceKm: c.Distance,
		Delivered:  delivered,
		Time:       now,
	}); rerr != nil {
		e.log.Errorf("metrics error: %v", rerr)
	}
	if delivered {
		e.log.Infow("offer sent", logger.Fields{"order_id": o.ID, "driver_id": c.DriverID, "index": next.index, "attempt": o.Attempts})
		e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: c.DriverID, Kind: events.KindOfferSent, Attempt: o.Attempts, Index: next.index})
	}
	return err
}

// offerFailed treats an undeliverable offer like an unreachable driver:
// the driver is rejected for this attempt and the cascade moves on at once.
func (e *Engine) offerFailed(next offer, cause error) {
	driverID := next.candidate.DriverID
	e.log.Warnf("offer for order %s to driver %s not delivered: %v", next.order.ID, driverID, cause)
	now := e.clock.Now()
	o, err := e.orders.Update(next.order.ID, func(o *model.Order) error {
		if o.Attempts != next.order.Attempts {
			return nil
		}
		if o.MarkRejected(driverID, ReasonUnreachable, now) {
			moveCursorPast(o, driverID)
		}
		return nil
	})
	if err != nil {
		return
	}
	e.recordOutcome(o.ID, driverID, metrics.OutcomeUnreachable, ReasonUnreachable, 0)
	e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: driverID, Kind: events.KindOfferFailed, Attempt: o.Attempts, Index: next.index, Reason: cause.Error()})
}

func (e *Engine) onTimeout(orderID, driverID string, attempt int) {
	o, advanced, latency, err := e.decline(orderID, driverID, ReasonTimeout, attempt, true)
	if err != nil || !advanced {
		return
	}
	e.log.Infow("no response within window", logger.Fields{"order_id": orderID, "driver_id": driverID, "attempt": attempt})
	e.recordOutcome(orderID, driverID, metrics.OutcomeTimeout, ReasonTimeout, latency)
	e.emit(events.DispatchEvent{OrderID: orderID, DriverID: driverID, Kind: events.KindTimeout, Attempt: attempt, Index: o.NextIndex, Reason: ReasonTimeout})
	e.scheduleStep(orderID)
}

// decline records a rejection for the current attempt. It reports whether
// the cascade should move on. A zero attempt matches the current one.
// Timeouts are only honoured while the order still awaits a driver; an
// explicit rejection from a notified driver is always recorded but only
// advances an order that still awaits one.
func (e *Engine) decline(orderID, driverID, reason string, attempt int, timeout bool) (model.Order, bool, time.Duration, error) {
	var (
		advance bool
		latency time.Duration
	)
	now := e.clock.Now()
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		if attempt > 0 && o.Attempts != attempt {
			return nil
		}
		notifiedAt, ok := o.Notified[driverID]
		if !ok {
			if timeout {
				return nil
			}
			return model.Conflict("dispatch.reject", "driver %s was not offered order %s", driverID, o.ID)
		}
		if !o.AwaitingDispatch() {
			if timeout {
				return nil
			}
			if o.AssignedDriver == driverID {
				return model.Conflict("dispatch.reject", "driver %s already accepted order %s", driverID, o.ID)
			}
			o.MarkRejected(driverID, reason, now)
			return nil
		}
		if !o.MarkRejected(driverID, reason, now) {
			return nil
		}
		latency = now.Sub(notifiedAt)
		moveCursorPast(o, driverID)
		advance = true
		return nil
	})
	return o, advance, latency, err
}

func moveCursorPast(o *model.Order, driverID string) {
	if pos := o.CandidateIndex(driverID); pos >= 0 && pos+1 > o.NextIndex {
		o.NextIndex = pos + 1
	}
}

func (e *Engine) scheduleStep(orderID string) {
	e.clock.AfterFunc(e.cfg.settleDelay(), func() {
		defer monitoring.Recover()
		e.step(orderID)
	})
}

// HandleDriverResponse applies a driver's answer to an offer. Accepting an
// order that another driver already took yields a conflict and leaves the
// order untouched. Repeated rejections are no-ops.
func (e *Engine) HandleDriverResponse(ctx context.Context, orderID, driverID string, resp Response, reason string) (model.Order, error) {
	if orderID == "" || driverID == "" {
		return model.Order{}, model.Validation("dispatch.response", "order id and driver id are required")
	}
	if _, ok := e.drivers.Get(driverID); !ok {
		return model.Order{}, model.NotFound("dispatch.response", "driver %s", driverID)
	}
	if _, err := e.orders.Get(orderID); err != nil {
		return model.Order{}, err
	}
	if resp == Accept {
		return e.accept(ctx, orderID, driverID)
	}
	if reason == "" {
		reason = ReasonRejected
	}
	o, advanced, latency, err := e.decline(orderID, driverID, reason, 0, false)
	if err != nil {
		return o, err
	}
	if advanced {
		e.log.Infow("offer rejected", logger.Fields{"order_id": orderID, "driver_id": driverID, "reason": reason})
		e.recordOutcome(orderID, driverID, metrics.OutcomeRejected, reason, latency)
		e.emit(events.DispatchEvent{OrderID: orderID, DriverID: driverID, Kind: events.KindRejected, Attempt: o.Attempts, Index: o.NextIndex, Reason: reason})
		e.scheduleStep(orderID)
	}
	return o, nil
}

func (e *Engine) accept(ctx context.Context, orderID, driverID string) (model.Order, error) {
	var latency time.Duration
	now := e.clock.Now()
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		notifiedAt, ok := o.Notified[driverID]
		if !ok {
			return model.Conflict("dispatch.accept", "driver %s was not offered order %s", driverID, o.ID)
		}
		if _, rejected := o.Rejected[driverID]; rejected {
			return model.Conflict("dispatch.accept", "driver %s already declined order %s", driverID, o.ID)
		}
		if !o.AwaitingDispatch() {
			return model.Conflict("dispatch.accept", "order %s already taken", o.ID)
		}
		if err := e.orders.Assign(o, driverID); err != nil {
			return err
		}
		latency = now.Sub(notifiedAt)
		return e.orders.Apply(o, model.StatusDriverAccepted, map[string]any{
			"driver_id":     driverID,
			"search_status": SearchFound,
		})
	})
	if err != nil {
		e.log.Debugw("accept refused", logger.Fields{"order_id": orderID, "driver_id": driverID, "error": err.Error()})
		return o, err
	}

	e.log.Infow("order accepted", logger.Fields{"order_id": o.ID, "driver_id": driverID})
	e.recordOutcome(o.ID, driverID, metrics.OutcomeAccepted, "", latency)
	e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: driverID, Kind: events.KindAccepted, Attempt: o.Attempts, Index: o.CandidateIndex(driverID), Status: string(o.Status)})
	e.finishCascade(o, metrics.OutcomeAccepted)

	var driver *model.Driver
	if d, ok := e.drivers.Get(driverID); ok {
		driver = &d
	}
	payload := OrderPayload{Order: o, Driver: driver}
	e.notify(ctx, transport.Driver(driverID), transport.EventOrderAccepted, payload)
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventOrderAccepted, payload)
	err = e.callLedger(ctx, "update", o.ID, func(ctx context.Context) error {
		return e.ledger.UpdateOrder(ctx, o.ID, model.StatusDriverAccepted, "", driverID)
	})
	return o, err
}

// CancelOrder cancels a non-terminal order, releases its driver and tells
// the customer and any driver involved. Cancelling twice is a conflict.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) (model.Order, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var (
		wasSearching bool
		openOffer    string
	)
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		wasSearching = o.AwaitingDispatch()
		if wasSearching && o.NextIndex < len(o.Candidates) {
			c := o.Candidates[o.NextIndex].DriverID
			_, notified := o.Notified[c]
			_, rejected := o.Rejected[c]
			if notified && !rejected {
				openOffer = c
			}
		}
		return e.orders.Apply(o, model.StatusCancelled, map[string]any{"reason": reason})
	})
	if err != nil {
		return o, err
	}

	e.log.Infow("order cancelled", logger.Fields{"order_id": o.ID, "reason": reason})
	e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: o.AssignedDriver, Kind: events.KindCancelled, Attempt: o.Attempts, Reason: reason, Status: string(o.Status)})
	if wasSearching {
		e.finishCascade(o, metrics.OutcomeCancelled)
	}
	payload := OrderPayload{Order: o, Reason: reason}
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventOrderCancelled, payload)
	if o.AssignedDriver != "" {
		e.notify(ctx, transport.Driver(o.AssignedDriver), transport.EventOrderCancelled, payload)
	} else if openOffer != "" {
		e.notify(ctx, transport.Driver(openOffer), transport.EventOrderCancelled, payload)
	}
	err = e.callLedger(ctx, "cancel", o.ID, func(ctx context.Context) error {
		return e.ledger.CancelOrder(ctx, o.ID, reason)
	})
	return o, err
}

// CompleteOrder completes an order that has an assigned driver.
func (e *Engine) CompleteOrder(ctx context.Context, orderID string) (model.Order, error) {
	return e.CompleteOrderBy(ctx, orderID, "")
}

// CompleteOrderBy completes the order on behalf of driverID, which must be
// the assigned driver. An empty driverID skips that check.
func (e *Engine) CompleteOrderBy(ctx context.Context, orderID, driverID string) (model.Order, error) {
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		if o.Status.Terminal() {
			return model.Conflict("dispatch.complete", "order %s is already %s", o.ID, o.Status)
		}
		if o.AssignedDriver == "" {
			return model.Conflict("dispatch.complete", "order %s has no assigned driver", o.ID)
		}
		if driverID != "" && o.AssignedDriver != driverID {
			return model.Conflict("dispatch.complete", "driver %s is not assigned to order %s", driverID, o.ID)
		}
		return e.orders.Apply(o, model.StatusCompleted, nil)
	})
	if err != nil {
		return o, err
	}

	e.log.Infow("order completed", logger.Fields{"order_id": o.ID, "driver_id": o.AssignedDriver})
	e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: o.AssignedDriver, Kind: events.KindCompleted, Attempt: o.Attempts, Status: string(o.Status)})
	payload := OrderPayload{Order: o}
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventOrderCompleted, payload)
	e.notify(ctx, transport.Driver(o.AssignedDriver), transport.EventOrderCompleted, payload)
	err = e.callLedger(ctx, "complete", o.ID, func(ctx context.Context) error {
		return e.ledger.CompleteOrder(ctx, o.ID)
	})
	return o, err
}

// UpdateProgress records a delivery step reported by the assigned driver.
func (e *Engine) UpdateProgress(ctx context.Context, orderID, driverID string, status model.OrderStatus) (model.Order, error) {
	if !status.InDelivery() {
		return model.Order{}, model.Validation("dispatch.progress", "status %q is not a delivery step", status)
	}
	o, err := e.orders.Update(orderID, func(o *model.Order) error {
		if o.Status.Terminal() {
			return model.Conflict("dispatch.progress", "order %s is already %s", o.ID, o.Status)
		}
		if o.AssignedDriver == "" || o.AssignedDriver != driverID {
			return model.Conflict("dispatch.progress", "driver %s is not assigned to order %s", driverID, o.ID)
		}
		return e.orders.Apply(o, status, map[string]any{"driver_id": driverID})
	})
	if err != nil {
		return o, err
	}

	e.emit(events.DispatchEvent{OrderID: o.ID, DriverID: driverID, Kind: events.KindProgress, Attempt: o.Attempts, Status: string(status)})
	e.notify(ctx, transport.Customer(o.CustomerID), transport.EventOrderStatus, OrderPayload{Order: o})
	err = e.callLedger(ctx, "update", o.ID, func(ctx context.Context) error {
		return e.ledger.UpdateOrder(ctx, o.ID, status, "", driverID)
	})
	return o, err
}

// QueryOnlineDrivers lists online drivers, optionally filtered by busy state
// and ranked by distance to origin.
func (e *Engine) QueryOnlineDrivers(filterBusy *bool, origin *model.Coordinate) []model.RankedDriver {
	return e.drivers.ListAvailable(registry.Query{FilterBusy: filterBusy, Origin: origin})
}

// Order returns a snapshot of an order.
func (e *Engine) Order(orderID string) (model.Order, error) {
	return e.orders.Get(orderID)
}

func (e *Engine) emit(ev events.DispatchEvent) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.log.Debugw("dispatch event", logger.Fields{
		"order_id":  ev.OrderID,
		"driver_id": ev.DriverID,
		"kind":      string(ev.Kind),
		"attempt":   ev.Attempt,
		"index":     ev.Index,
	})
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// notify publishes a success envelope. Failures are logged only: customer
// and confirmation messages are best effort.
func (e *Engine) notify(ctx context.Context, target transport.Target, event string, data any) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.publishTimeout())
	defer cancel()
	if err := e.transport.Publish(pctx, target, event, transport.Success(e.clock.Now(), data)); err != nil {
		e.log.Warnf("publish %s to %s failed: %v", event, target, err)
	}
}

// callLedger runs one ledger request with the configured timeout. Errors
// are counted, logged, reported to monitoring and returned as
// infrastructure errors unless the ledger already classified them.
func (e *Engine) callLedger(ctx context.Context, op, orderID string, fn func(context.Context) error) error {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ledgerTimeout())
	defer cancel()
	err := fn(lctx)
	if err == nil {
		return nil
	}
	var merr *model.Error
	if !errors.As(err, &merr) {
		err = model.Infrastructure("ledger."+op, err)
	}
	if errors.Is(err, model.ErrInfrastructure) {
		ledgerFailures.WithLabelValues(op).Inc()
		e.log.Errorf("ledger %s for order %s failed: %v", op, orderID, err)
		monitoring.CaptureException(err, map[string]string{"order_id": orderID, "operation": "ledger." + op})
	}
	return err
}

func (e *Engine) recordOutcome(orderID, driverID string, outcome metrics.Outcome, reason string, latency time.Duration) {
	offerOutcomes.WithLabelValues(string(outcome)).Inc()
	if latency > 0 {
		offerLatency.WithLabelValues(string(outcome)).Observe(latency.Seconds())
	}
	if err := e.sink.RecordOutcome(metrics.OutcomeEvent{
		OrderID:  orderID,
		DriverID: driverID,
		Outcome:  outcome,
		Reason:   reason,
		Latency:  latency,
		Time:     e.clock.Now(),
	}); err != nil {
		e.log.Errorf("metrics error: %v", err)
	}
}

// finishCascade closes the bookkeeping of a running cascade.
func (e *Engine) finishCascade(o model.Order, result metrics.Outcome) {
	now := e.clock.Now()
	var dur time.Duration
	if v, ok := e.cascades.LoadAndDelete(o.ID); ok {
		activeCascades.Dec()
		dur = now.Sub(v.(time.Time))
	}
	if result != metrics.OutcomeAccepted {
		offerOutcomes.WithLabelValues(string(result)).Inc()
	}
	if cr, ok := e.sink.(metrics.CascadeRecorder); ok {
		if err := cr.RecordCascade(metrics.CascadeEvent{
			OrderID:  o.ID,
			Attempt:  o.Attempts,
			Offers:   len(o.Notified),
			Result:   result,
			Duration: dur,
			Time:     now,
		}); err != nil {
			e.log.Errorf("metrics error: %v", err)
		}
	}
}
