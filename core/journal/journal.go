// Package journal keeps an append-only trail of dispatch steps for audit
// and debugging. Backends are pluggable through the factory registry.
package journal

import (
	"context"
	"time"

	"github.com/kilianp07/lastmile/core/events"
	"github.com/kilianp07/lastmile/core/factory"
)

// Record is one journal entry.
type Record = events.DispatchEvent

// Query filters records. Zero fields match everything.
type Query struct {
	Start    time.Time
	End      time.Time
	OrderID  string
	DriverID string
	Kind     events.Kind
	Limit    int
}

// Match reports whether r satisfies q, ignoring Limit.
func (q Query) Match(r Record) bool {
	if !q.Start.IsZero() && r.At.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.At.After(q.End) {
		return false
	}
	if q.OrderID != "" && r.OrderID != q.OrderID {
		return false
	}
	if q.DriverID != "" && r.DriverID != q.DriverID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	return true
}

// Trim applies q.Limit by keeping the newest records.
func (q Query) Trim(recs []Record) []Record {
	if q.Limit > 0 && len(recs) > q.Limit {
		return recs[len(recs)-q.Limit:]
	}
	return recs
}

// Store persists records and supports querying. Results are oldest first.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects the journal backend.
type Config struct {
	Backend factory.ModuleConfig `json:"backend"`
}

var storeRegistry = factory.NewRegistry[Store]()

func init() {
	_ = RegisterStore("memory", func(conf map[string]any) (Store, error) {
		var c struct {
			Capacity int `json:"capacity"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewMemory(c.Capacity), nil
	})
}

// RegisterStore adds a backend factory identified by name.
func RegisterStore(name string, f factory.Factory[Store]) error {
	return storeRegistry.Register(name, f)
}

// NewStore creates the configured backend. An empty type selects the
// in-memory ring.
func NewStore(cfg factory.ModuleConfig) (Store, error) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	return storeRegistry.Create(cfg)
}
