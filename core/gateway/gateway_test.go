package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/lastmile/core/dispatch"
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/orders"
	"github.com/kilianp07/lastmile/core/registry"
	"github.com/kilianp07/lastmile/core/transport"
	"github.com/kilianp07/lastmile/internal/clock"
)

type message struct {
	target transport.Target
	event  string
	env    transport.Envelope
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	sent     []message
	bound    map[string]transport.Target
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]transport.Handler{}, bound: map[string]transport.Target{}}
}

func (f *fakeTransport) Publish(_ context.Context, target transport.Target, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, _ := payload.(transport.Envelope)
	f.sent = append(f.sent, message{target: target, event: event, env: env})
	return nil
}

func (f *fakeTransport) Receive(event string, h transport.Handler) { f.handlers[event] = h }
func (f *fakeTransport) Bind(conn string, target transport.Target) { f.bound[conn] = target }
func (f *fakeTransport) Unbind(conn string)                        { delete(f.bound, conn) }

func (f *fakeTransport) send(t *testing.T, conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h, ok := f.handlers[event]
	require.True(t, ok, "no handler for %s", event)
	h(context.Background(), transport.Inbound{Conn: conn, Event: event, Payload: raw})
}

func (f *fakeTransport) last(target transport.Target) (message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].target == target {
			return f.sent[i], true
		}
	}
	return message{}, false
}

type fixture struct {
	tr    *fakeTransport
	reg   *registry.Registry
	eng   *dispatch.Engine
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.Fake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	tr := newFakeTransport()
	reg := registry.New(c)
	settle := 0
	eng, err := dispatch.NewEngine(reg, orders.New(reg, c), tr, dispatch.Config{SettleDelayMS: &settle}, nil)
	require.NoError(t, err)
	eng.SetClock(c)
	g := New(tr, reg, eng, nil)
	g.SetClock(c)
	g.Register()
	return &fixture{tr: tr, reg: reg, eng: eng, clock: c}
}

func assertError(t *testing.T, f *fixture, conn string, code transport.Code) {
	t.Helper()
	m, ok := f.tr.last(transport.Conn(conn))
	require.True(t, ok)
	assert.Equal(t, transport.EventError, m.event)
	assert.False(t, m.env.IsSuccess)
	assert.Equal(t, code, m.env.MessageCode)
}

func TestRegisterDriver(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1", "info": map[string]any{"name": "Ann"}})

	m, ok := f.tr.last(transport.Conn("c1"))
	require.True(t, ok)
	assert.Equal(t, transport.EventConnectionSuccess, m.event)
	assert.True(t, m.env.IsSuccess)
	assert.Equal(t, transport.Driver("D1"), f.tr.bound["c1"])
	d, ok := f.reg.Get("D1")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Equal(t, "Ann", d.Info["name"])

	f.tr.send(t, "c2", transport.EventRegisterDriver, map[string]any{})
	assertError(t, f, "c2", transport.CodeInvalidParams)
}

func TestUpdateLocation_BroadcastsOnDriverChannel(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lat": 10.0, "lng": 20.0})

	m, ok := f.tr.last(transport.DriverChannel("D1"))
	require.True(t, ok)
	assert.Equal(t, transport.EventLocationUpdate, m.event)
	b, ok := m.env.Data.(LocationBroadcast)
	require.True(t, ok)
	assert.Equal(t, "D1", b.Driver.ID)
	assert.Equal(t, 10.0, b.Driver.Location.Lat)

	origin := model.Coordinate{Lat: 10, Lng: 20}
	list := f.eng.QueryOnlineDrivers(nil, &origin)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Distance)
	assert.InDelta(t, 0, *list[0].Distance, 1e-9)
}

func TestUpdateLocation_Errors(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "stranger", transport.EventUpdateLocation, map[string]any{"lat": 1.0, "lng": 2.0})
	assertError(t, f, "stranger", transport.CodeDriverNotFound)

	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lat": "north", "lng": 2.0})
	assertError(t, f, "c1", transport.CodeLocationInvalid)
	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lat": 91.0, "lng": 2.0})
	assertError(t, f, "c1", transport.CodeLocationInvalid)
	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lng": 2.0})
	assertError(t, f, "c1", transport.CodeLocationInvalid)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "away"})
	assertError(t, f, "c1", transport.CodeInvalidParams)

	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "offline"})
	m, ok := f.tr.last(transport.Conn("c1"))
	require.True(t, ok)
	assert.Equal(t, transport.EventStatusUpdated, m.event)
	d, _ := f.reg.Get("D1")
	assert.False(t, d.Online)
	_, bound := f.tr.bound["c1"]
	assert.False(t, bound)
}

func TestUpdateStatus_OfflineThenOnlineSameConnection(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "offline"})
	assert.Empty(t, f.reg.ListAvailable(registry.Query{}))

	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "online"})
	m, ok := f.tr.last(transport.Conn("c1"))
	require.True(t, ok)
	assert.Equal(t, transport.EventStatusUpdated, m.event)
	assert.True(t, m.env.IsSuccess)

	d, _ := f.reg.Get("D1")
	assert.True(t, d.Online)
	assert.Equal(t, "c1", d.Conn)
	assert.Equal(t, transport.Driver("D1"), f.tr.bound["c1"])
	bound, ok := f.reg.ByConn("c1")
	require.True(t, ok)
	assert.Equal(t, "D1", bound.ID)

	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lat": 1.0, "lng": 2.0})
	_, ok = f.tr.last(transport.DriverChannel("D1"))
	assert.True(t, ok)
}

func TestUpdateStatus_OnlineAfterReconnectElsewhere(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "offline"})
	f.tr.send(t, "c2", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})

	f.tr.send(t, "c1", transport.EventUpdateStatus, map[string]any{"status": "online"})
	assertError(t, f, "c1", transport.CodeDriverNotFound)
	d, _ := f.reg.Get("D1")
	assert.Equal(t, "c2", d.Conn)

	f.tr.send(t, "c3", transport.EventRegisterDriver, map[string]any{"driver_id": "D3"})
	f.tr.send(t, "c3", transport.EventUpdateStatus, map[string]any{"status": "offline"})
	f.tr.send(t, "c3", transport.EventDisconnect, nil)
	f.tr.send(t, "c3", transport.EventUpdateStatus, map[string]any{"status": "online"})
	assertError(t, f, "c3", transport.CodeDriverNotFound)
}

func TestAcceptRejectComplete(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	f.tr.send(t, "c2", transport.EventRegisterDriver, map[string]any{"driver_id": "D2"})
	f.tr.send(t, "c1", transport.EventUpdateLocation, map[string]any{"lat": 0.0, "lng": 0.01})
	f.tr.send(t, "c2", transport.EventUpdateLocation, map[string]any{"lat": 0.0, "lng": 0.02})

	origin := model.Coordinate{}
	o, err := f.eng.CreateOrder(model.NewOrder{CustomerID: "C1", Origin: &origin})
	require.NoError(t, err)
	_, err = f.eng.FindDriver(context.Background(), o.ID)
	require.NoError(t, err)

	f.tr.send(t, "c1", transport.EventRejectOrder, map[string]any{"order_id": o.ID, "reason": "lunch"})
	m, _ := f.tr.last(transport.Conn("c1"))
	assert.Equal(t, transport.EventOrderRejected, m.event)

	f.tr.send(t, "c1", transport.EventAcceptOrder, map[string]any{"order_id": o.ID})
	assertError(t, f, "c1", transport.CodeOrderAssignmentFailed)

	f.tr.send(t, "c2", transport.EventAcceptOrder, map[string]any{})
	assertError(t, f, "c2", transport.CodeOrderIDMissing)
	f.tr.send(t, "c2", transport.EventAcceptOrder, map[string]any{"order_id": o.ID})
	m, _ = f.tr.last(transport.Driver("D2"))
	assert.Equal(t, transport.EventOrderAccepted, m.event)

	f.tr.send(t, "c1", transport.EventOrderProgress, map[string]any{"order_id": o.ID, "status": "driver_picked"})
	assertError(t, f, "c1", transport.CodeDriverNotAuthorized)
	f.tr.send(t, "c2", transport.EventOrderProgress, map[string]any{"order_id": o.ID, "status": "completed"})
	assertError(t, f, "c2", transport.CodeOrderInvalidStatus)
	f.tr.send(t, "c2", transport.EventOrderProgress, map[string]any{"order_id": o.ID, "status": "driver_picked"})
	m, _ = f.tr.last(transport.Conn("c2"))
	assert.Equal(t, transport.EventOrderStatus, m.event)

	f.tr.send(t, "c1", transport.EventCompleteOrder, map[string]any{"order_id": o.ID})
	assertError(t, f, "c1", transport.CodeDriverNotAuthorized)
	f.tr.send(t, "c2", transport.EventCompleteOrder, map[string]any{"order_id": o.ID})
	got, err := f.eng.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	f.tr.send(t, "c2", transport.EventCompleteOrder, map[string]any{"order_id": "nope"})
	assertError(t, f, "c2", transport.CodeOrderNotFound)
}

func TestDisconnect_KeepsOfferOpenUntilTimeout(t *testing.T) {
	f := newFixture(t)
	f.tr.send(t, "c1", transport.EventRegisterDriver, map[string]any{"driver_id": "D1"})
	o, err := f.eng.CreateOrder(model.NewOrder{CustomerID: "C1"})
	require.NoError(t, err)
	_, err = f.eng.FindDriver(context.Background(), o.ID)
	require.NoError(t, err)

	f.tr.send(t, "c1", transport.EventDisconnect, nil)
	d, _ := f.reg.Get("D1")
	assert.False(t, d.Online)
	got, _ := f.eng.Order(o.ID)
	assert.Equal(t, model.StatusFindingDriver, got.Status)

	f.clock.Advance(30 * time.Second)
	got, _ = f.eng.Order(o.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, dispatch.ReasonTimeout, got.Rejected["D1"].Reason)
}

func TestSafe_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	g := New(f.tr, f.reg, f.eng, nil)
	h := g.safe(func(context.Context, transport.Inbound) { panic("boom") })
	assert.NotPanics(t, func() {
		h(context.Background(), transport.Inbound{Conn: "c9", Event: "x"})
	})
	assertError(t, f, "c9", transport.CodeServerError)
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want transport.Code
	}{
		{nil, transport.CodeSuccess},
		{model.Validation("x", "bad"), transport.CodeInvalidParams},
		{model.NotFound("dispatch.response", "driver %s", "d"), transport.CodeDriverNotFound},
		{model.NotFound("orders.update", "order %s", "o"), transport.CodeOrderNotFound},
		{model.Conflict("registry.reserve", "driver %s is busy", "d"), transport.CodeDriverBusy},
		{model.Conflict("registry.reserve", "driver %s is offline", "d"), transport.CodeDriverOffline},
		{model.Conflict("dispatch.accept", "order %s already taken", "o"), transport.CodeOrderAssignmentFailed},
		{model.Conflict("orders.transition", "order %s is already cancelled", "o"), transport.CodeOrderInvalidTransition},
		{model.Infrastructure("ledger.update", errors.New("down")), transport.CodeServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CodeFor(c.err), "%v", c.err)
	}
}
