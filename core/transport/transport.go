// Package transport defines the publish/receive contract between the
// dispatch core and whatever carries messages to drivers and customers.
// Delivery is best effort: a nil error from Publish means the message was
// handed to the carrier, not that anyone received it.
package transport

import (
	"context"
	"encoding/json"
	"strings"
)

// Target addresses a publish. It has the form "<kind>:<id>".
type Target string

const (
	kindDriver   = "driver"
	kindCustomer = "customer"
	kindConn     = "conn"
	kindChannel  = "channel"
)

// Driver addresses a driver by id.
func Driver(id string) Target { return Target(kindDriver + ":" + id) }

// Customer addresses a customer by id.
func Customer(id string) Target { return Target(kindCustomer + ":" + id) }

// Conn addresses a single connection.
func Conn(id string) Target { return Target(kindConn + ":" + id) }

// Channel addresses a named broadcast channel.
func Channel(name string) Target { return Target(kindChannel + ":" + name) }

// DriverChannel is the channel on which a driver's position is broadcast.
func DriverChannel(driverID string) Target { return Channel("driver_" + driverID) }

// Split returns the kind and id parts of t.
func (t Target) Split() (kind, id string) {
	k, v, ok := strings.Cut(string(t), ":")
	if !ok {
		return "", string(t)
	}
	return k, v
}

// IsDriver reports whether t addresses a driver.
func (t Target) IsDriver() bool { k, _ := t.Split(); return k == kindDriver }

// IsCustomer reports whether t addresses a customer.
func (t Target) IsCustomer() bool { k, _ := t.Split(); return k == kindCustomer }

// IsConn reports whether t addresses a connection.
func (t Target) IsConn() bool { k, _ := t.Split(); return k == kindConn }

// IsChannel reports whether t addresses a broadcast channel.
func (t Target) IsChannel() bool { k, _ := t.Split(); return k == kindChannel }

// Inbound is a message received from a connection.
type Inbound struct {
	Conn    string
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (in Inbound) Decode(v any) error {
	if len(in.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(in.Payload, v)
}

// Handler processes an inbound message.
type Handler func(ctx context.Context, in Inbound)

// Transport publishes outbound events and dispatches inbound ones.
type Transport interface {
	Publish(ctx context.Context, target Target, event string, payload any) error
	Receive(event string, h Handler)
}

// Binder is implemented by transports that keep a mapping from identities
// to connections. Bind makes publishes to target reach conn.
type Binder interface {
	Bind(conn string, target Target)
	Unbind(conn string)
}
