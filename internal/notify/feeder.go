package notify

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/events"
)

// Feeder bridges the internal event bus to the notifier chain. It subscribes
// on Run and forwards every bus event until the context is cancelled.
type Feeder struct {
	bus   *events.Bus
	multi *Multi
}

// NewFeeder creates a Feeder. Run starts it.
func NewFeeder(bus *events.Bus, multi *Multi) *Feeder {
	return &Feeder{bus: bus, multi: multi}
}

// Run consumes bus events until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) {
	ch, cancel := f.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			f.multi.Notify(ctx, Event{
				Type:      string(ev.Type),
				AgentID:   ev.AgentID,
				Mod:       ev.Mod,
				Message:   ev.Message,
				Timestamp: ev.Timestamp,
			})
		}
	}
}
