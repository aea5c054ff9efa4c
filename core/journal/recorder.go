package journal

import (
	"context"
	"time"

	"github.com/kilianp07/lastmile/core/events"
	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/internal/eventbus"
)

// StartRecorder appends every dispatch event published on bus to store
// until ctx is cancelled or the bus is closed. The returned channel is
// closed when the recorder has stopped.
func StartRecorder(ctx context.Context, bus *eventbus.TypedBus[events.DispatchEvent], store Store, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || store == nil {
		close(done)
		return done
	}
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := store.Append(actx, ev); err != nil && log != nil {
					log.Errorf("journal append failed for order %s: %v", ev.OrderID, err)
				}
				cancel()
			}
		}
	}()
	return done
}
