// Package ws carries driver and customer traffic over WebSocket connections.
// Every frame is a JSON object {"event": <name>, "data": <payload>}.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/core/transport"
)

// Frame events handled by the hub itself.
const (
	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
)

// ErrNotConnected is returned when a driver, customer or connection target
// has no live connection.
var ErrNotConnected = errors.New("ws: target not connected")

// Config parameterises the hub.
type Config struct {
	Path                string   `json:"path"`
	JWTSecret           string   `json:"jwt_secret"`
	AuthTimeoutSeconds  int      `json:"auth_timeout_seconds"`
	PingIntervalSeconds int      `json:"ping_interval_seconds"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds"`
	AllowedOrigins      []string `json:"allowed_origins"`
}

func (c Config) authTimeout() time.Duration  { return seconds(c.AuthTimeoutSeconds, 5) }
func (c Config) pingInterval() time.Duration { return seconds(c.PingIntervalSeconds, 30) }
func (c Config) writeTimeout() time.Duration { return seconds(c.WriteTimeoutSeconds, 5) }

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Frame is the wire format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type client struct {
	id      string
	conn    *websocket.Conn
	wmu     sync.Mutex
	claims  *Claims
	targets map[transport.Target]struct{}
}

func (c *client) write(data []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is a transport.Transport and transport.Binder over WebSocket. It is an
// http.Handler to be mounted on the configured path.
type Hub struct {
	cfg      Config
	secret   []byte
	upgrader websocket.Upgrader
	log      logger.Logger

	mu    sync.RWMutex
	conns map[string]*client
	bound map[transport.Target]map[string]struct{}

	hmu      sync.RWMutex
	handlers map[string]transport.Handler
}

// NewHub creates a hub. When cfg.JWTSecret is empty connections are not
// authenticated and drivers register with a register_driver frame.
func NewHub(cfg Config, log logger.Logger) *Hub {
	if log == nil {
		log = logger.NopLogger{}
	}
	h := &Hub{
		cfg:      cfg,
		log:      log,
		conns:    make(map[string]*client),
		bound:    make(map[transport.Target]map[string]struct{}),
		handlers: make(map[string]transport.Handler),
	}
	if cfg.JWTSecret != "" {
		h.secret = []byte(cfg.JWTSecret)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Receive registers the handler for an inbound event.
func (h *Hub) Receive(event string, handler transport.Handler) {
	h.hmu.Lock()
	h.handlers[event] = handler
	h.hmu.Unlock()
}

// Bind routes publishes for target to conn. A driver or customer target is
// bound to one connection at a time.
func (h *Hub) Bind(conn string, target transport.Target) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[conn]
	if !ok {
		return
	}
	set := h.bound[target]
	if set == nil {
		set = make(map[string]struct{})
		h.bound[target] = set
	}
	if target.IsDriver() || target.IsCustomer() {
		for other := range set {
			if oc, ok := h.conns[other]; ok {
				delete(oc.targets, target)
			}
			delete(set, other)
		}
	}
	set[conn] = struct{}{}
	c.targets[target] = struct{}{}
}

// Unbind drops the driver and customer bindings of conn. Channel
// subscriptions survive until the connection closes.
func (h *Hub) Unbind(conn string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn, func(t transport.Target) bool { return t.IsDriver() || t.IsCustomer() })
}

func (h *Hub) unbindLocked(conn string, match func(transport.Target) bool) {
	c, ok := h.conns[conn]
	if !ok {
		return
	}
	for t := range c.targets {
		if !match(t) {
			continue
		}
		delete(c.targets, t)
		if set := h.bound[t]; set != nil {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.bound, t)
			}
		}
	}
}

// Publish writes one frame to every connection bound to target. Channels
// without subscribers are not an error.
func (h *Hub) Publish(ctx context.Context, target transport.Target, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", event, err)
	}
	clients := h.resolve(target)
	if len(clients) == 0 {
		if target.IsChannel() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotConnected, target)
	}
	var errs []error
	for _, c := range clients {
		if werr := c.write(data, h.cfg.writeTimeout()); werr != nil {
			errs = append(errs, werr)
		}
	}
	if len(errs) == len(clients) {
		return errors.Join(errs...)
	}
	return nil
}

func (h *Hub) resolve(target transport.Target) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if target.IsConn() {
		_, id := target.Split()
		if c, ok := h.conns[id]; ok {
			return []*client{c}
		}
		return nil
	}
	out := make([]*client, 0, len(h.bound[target]))
	for id := range h.bound[target] {
		if c, ok := h.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Connected returns the number of live connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	c := &client{id: uuid.NewString(), conn: conn, targets: make(map[transport.Target]struct{})}
	if h.secret != nil {
		claims, err := h.authenticate(c)
		if err != nil {
			h.log.Warnf("websocket auth failed: %v", err)
			h.writeFailure(c, authCode(err), err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
				time.Now().Add(time.Second))
			return
		}
		c.claims = claims
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.log.Debugw("websocket connected", logger.Fields{"conn": c.id})

	ctx := context.WithoutCancel(r.Context())
	defer h.close(ctx, c)

	if c.claims != nil {
		h.onAuthenticated(ctx, c)
	}

	done := make(chan struct{})
	defer close(done)
	go h.ping(c, done)

	h.readLoop(ctx, c)
}

func (h *Hub) authenticate(c *client) (*Claims, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.authTimeout()))
	mt, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMissing, err)
	}
	if mt != websocket.TextMessage {
		return nil, ErrTokenMissing
	}
	return parseAuthFrame(raw, h.secret)
}

// onAuthenticated binds customers and registers drivers on behalf of the
// token subject.
func (h *Hub) onAuthenticated(ctx context.Context, c *client) {
	switch c.claims.Role {
	case RoleCustomer:
		h.Bind(c.id, transport.Customer(c.claims.Subject))
	case RoleDriver:
		payload, _ := json.Marshal(map[string]string{"driver_id": c.claims.Subject})
		h.dispatch(ctx, transport.Inbound{Conn: c.id, Event: transport.EventRegisterDriver, Payload: payload})
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	timeout := 2 * h.cfg.pingInterval()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warnf("websocket %s closed unexpectedly: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			h.writeFailure(c, transport.CodeInvalidParams, errors.New("frame must be {\"event\", \"data\"}"))
			continue
		}
		h.handleFrame(ctx, c, f)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, f Frame) {
	switch f.Event {
	case eventSubscribe, eventUnsubscribe:
		var req struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(f.Data, &req); err != nil || req.Channel == "" {
			h.writeFailure(c, transport.CodeInvalidParams, errors.New("channel is required"))
			return
		}
		target := transport.Channel(req.Channel)
		if f.Event == eventSubscribe {
			h.Bind(c.id, target)
			return
		}
		h.mu.Lock()
		h.unbindLocked(c.id, func(t transport.Target) bool { return t == target })
		h.mu.Unlock()
		return
	case transport.EventRegisterDriver:
		if c.claims != nil {
			h.writeFailure(c, transport.CodePermissionDenied, errors.New("connection is already registered by its token"))
			return
		}
	case transport.EventDisconnect:
		return
	}
	h.dispatch(ctx, transport.Inbound{Conn: c.id, Event: f.Event, Payload: f.Data})
}

func (h *Hub) dispatch(ctx context.Context, in transport.Inbound) {
	h.hmu.RLock()
	handler, ok := h.handlers[in.Event]
	h.hmu.RUnlock()
	if !ok {
		h.log.Debugw("no handler for event", logger.Fields{"event": in.Event, "conn": in.Conn})
		return
	}
	handler(ctx, in)
}

func (h *Hub) ping(c *client, done <-chan struct{}) {
	t := time.NewTicker(h.cfg.pingInterval())
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.writeTimeout()))
			c.wmu.Unlock()
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// close raises the disconnect event before forgetting the connection so the
// handler still sees its bindings.
func (h *Hub) close(ctx context.Context, c *client) {
	h.dispatch(ctx, transport.Inbound{Conn: c.id, Event: transport.EventDisconnect})
	h.mu.Lock()
	h.unbindLocked(c.id, func(transport.Target) bool { return true })
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.log.Debugw("websocket closed", logger.Fields{"conn": c.id})
}

func (h *Hub) writeFailure(c *client, code transport.Code, err error) {
	data, merr := json.Marshal(outFrame{
		Event: transport.EventError,
		Data:  transport.Failure(time.Now(), code, map[string]string{"message": err.Error()}),
	})
	if merr != nil {
		return
	}
	if werr := c.write(data, h.cfg.writeTimeout()); werr != nil {
		h.log.Debugf("write error frame to %s: %v", c.id, werr)
	}
}
