package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/lastmile/core/transport"
)

type inbox struct {
	mu  sync.Mutex
	got []transport.Inbound
	ch  chan transport.Inbound
}

func newInbox() *inbox { return &inbox{ch: make(chan transport.Inbound, 16)} }

func (b *inbox) handle(_ context.Context, in transport.Inbound) {
	b.mu.Lock()
	b.got = append(b.got, in)
	b.mu.Unlock()
	b.ch <- in
}

func (b *inbox) next(t *testing.T) transport.Inbound {
	t.Helper()
	select {
	case in := <-b.ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
		return transport.Inbound{}
	}
}

func serve(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestRegisterBindAndPublish(t *testing.T) {
	h := NewHub(Config{}, nil)
	box := newInbox()
	h.Receive(transport.EventRegisterDriver, func(ctx context.Context, in transport.Inbound) {
		h.Bind(in.Conn, transport.Driver("D1"))
		box.handle(ctx, in)
	})
	c := dial(t, serve(t, h))

	require.NoError(t, c.WriteJSON(map[string]any{"event": "register_driver", "data": map[string]string{"driver_id": "D1"}}))
	in := box.next(t)
	assert.Equal(t, transport.EventRegisterDriver, in.Event)
	assert.JSONEq(t, `{"driver_id":"D1"}`, string(in.Payload))

	err := h.Publish(context.Background(), transport.Driver("D1"), transport.EventNewOrder, map[string]string{"order_id": "O1"})
	require.NoError(t, err)
	f := readFrame(t, c)
	assert.Equal(t, transport.EventNewOrder, f.Event)
	assert.JSONEq(t, `{"order_id":"O1"}`, string(f.Data))

	require.NoError(t, h.Publish(context.Background(), transport.Conn(in.Conn), transport.EventConnectionSuccess, nil))
	assert.Equal(t, transport.EventConnectionSuccess, readFrame(t, c).Event)
}

func TestPublishUnboundTarget(t *testing.T) {
	h := NewHub(Config{}, nil)
	err := h.Publish(context.Background(), transport.Driver("ghost"), transport.EventNewOrder, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, h.Publish(context.Background(), transport.DriverChannel("ghost"), transport.EventLocationUpdate, nil))
}

func TestChannelSubscription(t *testing.T) {
	h := NewHub(Config{}, nil)
	c := dial(t, serve(t, h))
	require.NoError(t, c.WriteJSON(map[string]any{"event": "subscribe", "data": map[string]string{"channel": "driver_D1"}}))

	require.Eventually(t, func() bool {
		return len(h.resolve(transport.DriverChannel("D1"))) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish(context.Background(), transport.DriverChannel("D1"), transport.EventLocationUpdate, map[string]int{"lat": 10}))
	f := readFrame(t, c)
	assert.Equal(t, transport.EventLocationUpdate, f.Event)
}

func TestUnbindKeepsChannels(t *testing.T) {
	h := NewHub(Config{}, nil)
	h.conns["c1"] = &client{id: "c1", targets: make(map[transport.Target]struct{})}
	h.Bind("c1", transport.Driver("D1"))
	h.Bind("c1", transport.DriverChannel("D2"))
	h.Unbind("c1")
	assert.Empty(t, h.resolve(transport.Driver("D1")))
	assert.Len(t, h.resolve(transport.DriverChannel("D2")), 1)
}

func TestBindReplacesDriverConnection(t *testing.T) {
	h := NewHub(Config{}, nil)
	h.conns["c1"] = &client{id: "c1", targets: make(map[transport.Target]struct{})}
	h.conns["c2"] = &client{id: "c2", targets: make(map[transport.Target]struct{})}
	h.Bind("c1", transport.Driver("D1"))
	h.Bind("c2", transport.Driver("D1"))
	got := h.resolve(transport.Driver("D1"))
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].id)
	assert.Empty(t, h.conns["c1"].targets)
}

func TestDisconnectRaised(t *testing.T) {
	h := NewHub(Config{}, nil)
	box := newInbox()
	h.Receive(transport.EventDisconnect, box.handle)
	c := dial(t, serve(t, h))
	require.Eventually(t, func() bool { return h.Connected() == 1 }, time.Second, 10*time.Millisecond)

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = c.Close()
	in := box.next(t)
	assert.Equal(t, transport.EventDisconnect, in.Event)
	assert.Eventually(t, func() bool { return h.Connected() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAuthenticatedDriver(t *testing.T) {
	const secret = "s3cret"
	h := NewHub(Config{JWTSecret: secret}, nil)
	box := newInbox()
	h.Receive(transport.EventRegisterDriver, box.handle)
	c := dial(t, serve(t, h))

	tok, err := IssueToken(secret, "D7", RoleDriver, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(authFrame{Type: "auth", Token: "Bearer " + tok}))

	in := box.next(t)
	var req struct {
		DriverID string `json:"driver_id"`
	}
	require.NoError(t, json.Unmarshal(in.Payload, &req))
	assert.Equal(t, "D7", req.DriverID)

	// a second registration under another identity is refused
	require.NoError(t, c.WriteJSON(map[string]any{"event": "register_driver", "data": map[string]string{"driver_id": "D8"}}))
	f := readFrame(t, c)
	assert.Equal(t, transport.EventError, f.Event)
	var env transport.Envelope
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.Equal(t, transport.CodePermissionDenied, env.MessageCode)
}

func TestAuthenticatedCustomerBound(t *testing.T) {
	const secret = "s3cret"
	h := NewHub(Config{JWTSecret: secret}, nil)
	c := dial(t, serve(t, h))
	tok, err := IssueToken(secret, "C1", RoleCustomer, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(authFrame{Type: "auth", Token: tok}))

	require.Eventually(t, func() bool {
		return len(h.resolve(transport.Customer("C1"))) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish(context.Background(), transport.Customer("C1"), transport.EventFindingDriver, nil))
	assert.Equal(t, transport.EventFindingDriver, readFrame(t, c).Event)
}

func TestAuthRejected(t *testing.T) {
	h := NewHub(Config{JWTSecret: "right"}, nil)
	c := dial(t, serve(t, h))
	tok, err := IssueToken("wrong", "D1", RoleDriver, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(authFrame{Type: "auth", Token: "Bearer " + tok}))

	f := readFrame(t, c)
	assert.Equal(t, transport.EventError, f.Event)
	var env transport.Envelope
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.False(t, env.IsSuccess)
	assert.Equal(t, transport.CodeTokenInvalid, env.MessageCode)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Connected())
}

func TestParseAuthFrame(t *testing.T) {
	secret := []byte("k")
	_, err := parseAuthFrame([]byte(`{"type":"hello"}`), secret)
	assert.ErrorIs(t, err, ErrTokenMissing)
	_, err = parseAuthFrame([]byte(`{"type":"auth","token":"Bearer "}`), secret)
	assert.ErrorIs(t, err, ErrTokenMissing)

	tok, err := IssueToken("k", "X", "admin", time.Minute)
	require.NoError(t, err)
	_, err = parseAuthFrame([]byte(`{"type":"auth","token":"`+tok+`"}`), secret)
	assert.ErrorIs(t, err, ErrBadRole)

	expired, err := IssueToken("k", "D1", RoleDriver, -time.Minute)
	require.NoError(t, err)
	_, err = parseAuthFrame([]byte(`{"type":"auth","token":"`+expired+`"}`), secret)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	assert.Equal(t, transport.CodeTokenMissing, authCode(ErrTokenMissing))
	assert.Equal(t, transport.CodePermissionDenied, authCode(ErrBadRole))
}
