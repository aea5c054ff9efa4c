package metrics

import (
	"context"
	"time"

	coremetrics "github.com/kilianp07/lastmile/core/metrics"
	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/registry"
)

// Fleet is the registry view needed to take fleet snapshots.
type Fleet interface {
	Count() (known, online int)
	ListAvailable(q registry.Query) []model.RankedDriver
}

// Snapshot counts known, online and idle drivers.
func Snapshot(f Fleet, now time.Time) coremetrics.FleetEvent {
	known, online := f.Count()
	idle := false
	return coremetrics.FleetEvent{
		Known:  known,
		Online: online,
		Idle:   len(f.ListAvailable(registry.Query{FilterBusy: &idle})),
		Time:   now,
	}
}

// StartFleetCollector records a fleet snapshot every interval until ctx is
// canceled. Sinks that do not track the fleet are ignored.
func StartFleetCollector(ctx context.Context, fleet Fleet, sink coremetrics.Sink, interval time.Duration) {
	rec, ok := sink.(coremetrics.FleetRecorder)
	if fleet == nil || !ok {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = rec.RecordFleet(Snapshot(fleet, now))
			}
		}
	}()
}
