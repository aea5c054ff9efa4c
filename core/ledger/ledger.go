// Package ledger defines the contract with the external order system of
// record. Calls are request/response, carry a bearer credential and are not
// retried here; failures surface as model.ErrInfrastructure.
package ledger

import (
	"context"

	"github.com/kilianp07/lastmile/core/model"
)

// Ledger is the order system of record.
type Ledger interface {
	FetchOrder(ctx context.Context, orderID string) (model.NewOrder, error)
	UpdateOrder(ctx context.Context, orderID string, processStatus model.OrderStatus, storeStatus, driverID string) error
	CompleteOrder(ctx context.Context, orderID string) error
	CancelOrder(ctx context.Context, orderID, reason string) error
}

// Nop is used when no ledger is configured. Writes succeed silently and
// fetches report the order as unknown.
type Nop struct{}

func (Nop) FetchOrder(_ context.Context, orderID string) (model.NewOrder, error) {
	return model.NewOrder{}, model.NotFound("ledger.fetch", "order %s: no ledger configured", orderID)
}

func (Nop) UpdateOrder(context.Context, string, model.OrderStatus, string, string) error { return nil }

func (Nop) CompleteOrder(context.Context, string) error { return nil }

func (Nop) CancelOrder(context.Context, string, string) error { return nil }
