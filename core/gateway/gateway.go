// Package gateway binds inbound transport events to the driver registry and
// the dispatch engine, and turns their results into client replies.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/lastmile/core/dispatch"
	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/monitoring"
	"github.com/kilianp07/lastmile/core/registry"
	"github.com/kilianp07/lastmile/core/transport"
	"github.com/kilianp07/lastmile/internal/clock"
)

// Gateway routes driver messages. Driver identity comes from the
// connection binding established by register_driver.
type Gateway struct {
	tr     transport.Transport
	binder transport.Binder
	reg    *registry.Registry
	eng    *dispatch.Engine
	clock  clock.Clock
	log    logger.Logger

	// away maps a connection to the driver that went offline on it, so the
	// same connection can bring the driver back online.
	mu   sync.Mutex
	away map[string]string
}

// New creates a Gateway. Channel membership is managed when tr also
// implements transport.Binder.
func New(tr transport.Transport, reg *registry.Registry, eng *dispatch.Engine, log logger.Logger) *Gateway {
	if log == nil {
		log = logger.NopLogger{}
	}
	g := &Gateway{tr: tr, reg: reg, eng: eng, clock: clock.Real(), log: log, away: make(map[string]string)}
	if b, ok := tr.(transport.Binder); ok {
		g.binder = b
	}
	return g
}

// SetClock replaces the time source used for envelope timestamps.
func (g *Gateway) SetClock(c clock.Clock) {
	if c != nil {
		g.clock = c
	}
}

// Register installs the inbound handlers on the transport.
func (g *Gateway) Register() {
	g.tr.Receive(transport.EventRegisterDriver, g.safe(g.registerDriver))
	g.tr.Receive(transport.EventUpdateLocation, g.safe(g.updateLocation))
	g.tr.Receive(transport.EventUpdateStatus, g.safe(g.updateStatus))
	g.tr.Receive(transport.EventAcceptOrder, g.safe(g.respond(dispatch.Accept)))
	g.tr.Receive(transport.EventRejectOrder, g.safe(g.respond(dispatch.Reject)))
	g.tr.Receive(transport.EventCompleteOrder, g.safe(g.completeOrder))
	g.tr.Receive(transport.EventOrderProgress, g.safe(g.orderProgress))
	g.tr.Receive(transport.EventDisconnect, g.safe(g.disconnect))
}

type registerRequest struct {
	DriverID string         `json:"driver_id"`
	Info     map[string]any `json:"info"`
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type orderRequest struct {
	OrderID string            `json:"order_id"`
	Reason  string            `json:"reason,omitempty"`
	Status  model.OrderStatus `json:"status,omitempty"`
}

// ConnectionPayload confirms a driver registration.
type ConnectionPayload struct {
	DriverID string `json:"driver_id"`
	Message  string `json:"message"`
}

// LocationBroadcast is published on the driver's channel after each
// position update.
type LocationBroadcast struct {
	Type   string         `json:"type"`
	Driver DriverLocation `json:"driver"`
}

// DriverLocation is the public part of a driver's position.
type DriverLocation struct {
	ID         string          `json:"id"`
	Location   *model.Location `json:"location"`
	LastActive string          `json:"last_active"`
}

// StatusPayload confirms an availability change.
type StatusPayload struct {
	DriverID string `json:"driver_id"`
	Online   bool   `json:"is_online"`
	Busy     bool   `json:"is_busy"`
}

// ErrorPayload carries a human readable reason with an error envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (g *Gateway) registerDriver(ctx context.Context, in transport.Inbound) {
	var req registerRequest
	if err := in.Decode(&req); err != nil {
		g.fail(ctx, in.Conn, transport.CodeInvalidParams, err)
		return
	}
	d, err := g.reg.Register(req.DriverID, in.Conn, req.Info)
	if err != nil {
		g.fail(ctx, in.Conn, CodeFor(err), err)
		return
	}
	g.forgetAway(in.Conn, d.ID)
	if g.binder != nil {
		g.binder.Bind(in.Conn, transport.Driver(d.ID))
	}
	g.log.Infow("driver connected", logger.Fields{"driver_id": d.ID, "conn": in.Conn})
	g.reply(ctx, in.Conn, transport.EventConnectionSuccess, ConnectionPayload{DriverID: d.ID, Message: "connected"})
}

func (g *Gateway) updateLocation(ctx context.Context, in transport.Inbound) {
	d, ok := g.driver(ctx, in.Conn)
	if !ok {
		return
	}
	var req locationRequest
	if err := in.Decode(&req); err != nil || req.Lat == nil || req.Lng == nil {
		g.fail(ctx, in.Conn, transport.CodeLocationInvalid, fmt.Errorf("lat and lng are required numbers"))
		return
	}
	loc, err := g.reg.UpdateLocation(d.ID, *req.Lat, *req.Lng)
	switch {
	case errors.Is(err, model.ErrValidation):
		g.fail(ctx, in.Conn, transport.CodeLocationInvalid, err)
		return
	case err != nil:
		g.fail(ctx, in.Conn, CodeFor(err), err)
		return
	}
	msg := LocationBroadcast{
		Type: transport.EventLocationUpdate,
		Driver: DriverLocation{
			ID:         d.ID,
			Location:   loc,
			LastActive: loc.UpdatedAt.Format(time.RFC3339),
		},
	}
	g.publish(ctx, transport.DriverChannel(d.ID), transport.EventLocationUpdate, msg)
}

// updateStatus toggles availability. Going offline releases the
// connection binding; going online on the same connection binds it again.
func (g *Gateway) updateStatus(ctx context.Context, in transport.Inbound) {
	driverID, ok := g.statusDriver(ctx, in.Conn)
	if !ok {
		return
	}
	var req statusRequest
	if err := in.Decode(&req); err != nil || (req.Status != "online" && req.Status != "offline") {
		g.fail(ctx, in.Conn, transport.CodeInvalidParams, fmt.Errorf("status must be online or offline"))
		return
	}
	var (
		updated model.Driver
		err     error
	)
	if req.Status == "online" {
		updated, err = g.reg.Register(driverID, in.Conn, nil)
	} else {
		updated, err = g.reg.SetOnline(driverID, false)
	}
	if err != nil {
		g.fail(ctx, in.Conn, CodeFor(err), err)
		return
	}

	g.mu.Lock()
	if updated.Online {
		delete(g.away, in.Conn)
	} else {
		g.away[in.Conn] = driverID
	}
	g.mu.Unlock()
	if g.binder != nil {
		if updated.Online {
			g.binder.Bind(in.Conn, transport.Driver(driverID))
		} else {
			g.binder.Unbind(in.Conn)
		}
	}
	g.log.Infow("driver status changed", logger.Fields{"driver_id": driverID, "status": req.Status})
	g.reply(ctx, in.Conn, transport.EventStatusUpdated, StatusPayload{DriverID: updated.ID, Online: updated.Online, Busy: updated.Busy})
}

// statusDriver resolves the driver bound to conn, or the one that went
// offline on it.
func (g *Gateway) statusDriver(ctx context.Context, conn string) (string, bool) {
	if d, ok := g.reg.ByConn(conn); ok {
		return d.ID, true
	}
	g.mu.Lock()
	id, ok := g.away[conn]
	g.mu.Unlock()
	if !ok {
		g.fail(ctx, conn, transport.CodeDriverNotFound, fmt.Errorf("no driver registered on this connection"))
	}
	return id, ok
}

// forgetAway drops the offline marker of conn and any other connection
// parked for driverID.
func (g *Gateway) forgetAway(conn, driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.away, conn)
	for c, id := range g.away {
		if id == driverID {
			delete(g.away, c)
		}
	}
}

func (g *Gateway) respond(resp dispatch.Response) transport.Handler {
	return func(ctx context.Context, in transport.Inbound) {
		d, ok := g.driver(ctx, in.Conn)
		if !ok {
			return
		}
		req, ok := g.orderRequest(ctx, in)
		if !ok {
			return
		}
		o, err := g.eng.HandleDriverResponse(ctx, req.OrderID, d.ID, resp, req.Reason)
		if err != nil && !isInfra(err) {
			g.fail(ctx, in.Conn, CodeFor(err), err)
			return
		}
		if resp == dispatch.Reject {
			g.reply(ctx, in.Conn, transport.EventOrderRejected, dispatch.OrderPayload{Order: o, Reason: req.Reason})
		}
	}
}

func (g *Gateway) completeOrder(ctx context.Context, in transport.Inbound) {
	d, ok := g.driver(ctx, in.Conn)
	if !ok {
		return
	}
	req, ok := g.orderRequest(ctx, in)
	if !ok {
		return
	}
	if _, err := g.eng.CompleteOrderBy(ctx, req.OrderID, d.ID); err != nil && !isInfra(err) {
		g.fail(ctx, in.Conn, CodeFor(err), err)
	}
}

func (g *Gateway) orderProgress(ctx context.Context, in transport.Inbound) {
	d, ok := g.driver(ctx, in.Conn)
	if !ok {
		return
	}
	req, ok := g.orderRequest(ctx, in)
	if !ok {
		return
	}
	if !req.Status.InDelivery() {
		g.fail(ctx, in.Conn, transport.CodeOrderInvalidStatus, fmt.Errorf("status %q is not a delivery step", req.Status))
		return
	}
	o, err := g.eng.UpdateProgress(ctx, req.OrderID, d.ID, req.Status)
	if err != nil && !isInfra(err) {
		g.fail(ctx, in.Conn, CodeFor(err), err)
		return
	}
	g.reply(ctx, in.Conn, transport.EventOrderStatus, dispatch.OrderPayload{Order: o})
}

func (g *Gateway) disconnect(_ context.Context, in transport.Inbound) {
	g.mu.Lock()
	delete(g.away, in.Conn)
	g.mu.Unlock()
	if g.binder != nil {
		g.binder.Unbind(in.Conn)
	}
	d, ok := g.reg.RecordDisconnect(in.Conn)
	if !ok {
		return
	}
	g.log.Infow("driver disconnected", logger.Fields{"driver_id": d.ID, "conn": in.Conn})
}

// driver resolves the driver bound to conn or replies DRIVER_NOT_FOUND.
func (g *Gateway) driver(ctx context.Context, conn string) (model.Driver, bool) {
	d, ok := g.reg.ByConn(conn)
	if !ok {
		g.fail(ctx, conn, transport.CodeDriverNotFound, fmt.Errorf("no driver registered on this connection"))
	}
	return d, ok
}

func (g *Gateway) orderRequest(ctx context.Context, in transport.Inbound) (orderRequest, bool) {
	var req orderRequest
	if err := in.Decode(&req); err != nil {
		g.fail(ctx, in.Conn, transport.CodeInvalidParams, err)
		return req, false
	}
	if req.OrderID == "" {
		g.fail(ctx, in.Conn, transport.CodeOrderIDMissing, fmt.Errorf("order_id is required"))
		return req, false
	}
	return req, true
}

func (g *Gateway) reply(ctx context.Context, conn, event string, data any) {
	g.publish(ctx, transport.Conn(conn), event, data)
}

func (g *Gateway) publish(ctx context.Context, target transport.Target, event string, data any) {
	if err := g.tr.Publish(ctx, target, event, transport.Success(g.clock.Now(), data)); err != nil {
		g.log.Warnf("publish %s to %s failed: %v", event, target, err)
	}
}

func (g *Gateway) fail(ctx context.Context, conn string, code transport.Code, err error) {
	g.log.Debugw("request rejected", logger.Fields{"conn": conn, "code": string(code), "error": err.Error()})
	env := transport.Failure(g.clock.Now(), code, ErrorPayload{Message: err.Error()})
	if perr := g.tr.Publish(ctx, transport.Conn(conn), transport.EventError, env); perr != nil {
		g.log.Warnf("publish error reply to %s failed: %v", conn, perr)
	}
}

// isInfra reports a failure after the state change was committed, such as
// a ledger error. The driver has already been notified by the engine.
func isInfra(err error) bool { return errors.Is(err, model.ErrInfrastructure) }

// safe keeps a failing handler from taking the transport loop down.
func (g *Gateway) safe(h transport.Handler) transport.Handler {
	return func(ctx context.Context, in transport.Inbound) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic handling %s: %v", in.Event, r)
				g.log.Errorf("%v", err)
				monitoring.CaptureException(err, map[string]string{"event": in.Event})
				g.fail(ctx, in.Conn, transport.CodeServerError, fmt.Errorf("internal error"))
			}
		}()
		h(ctx, in)
	}
}
