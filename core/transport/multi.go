package transport

import (
	"context"
	"errors"
)

// Multi fans publishes out to several transports and registers handlers on
// all of them. A publish succeeds when at least one transport accepts it.
type Multi []Transport

// Publish sends to every transport and returns the joined errors only when
// all of them failed.
func (m Multi) Publish(ctx context.Context, target Target, event string, payload any) error {
	if len(m) == 0 {
		return errors.New("transport: no transport configured")
	}
	var errs []error
	for _, t := range m {
		if err := t.Publish(ctx, target, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

// Receive registers h on every transport.
func (m Multi) Receive(event string, h Handler) {
	for _, t := range m {
		t.Receive(event, h)
	}
}

// Bind forwards to every transport implementing Binder.
func (m Multi) Bind(conn string, target Target) {
	for _, t := range m {
		if b, ok := t.(Binder); ok {
			b.Bind(conn, target)
		}
	}
}

// Unbind forwards to every transport implementing Binder.
func (m Multi) Unbind(conn string) {
	for _, t := range m {
		if b, ok := t.(Binder); ok {
			b.Unbind(conn)
		}
	}
}
