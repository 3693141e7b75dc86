package session

import (
	"context"
	"fmt"

	"github.com/fruithappens/coffeecue/pkg/orders"
)

// EventKind is a navigation or visibility change of a station view.
type EventKind string

const (
	EventNavigateAway EventKind = "navigate_away"
	EventHidden       EventKind = "hidden"
	EventReturn       EventKind = "return"
	EventVisible      EventKind = "visible"
)

// Event is delivered by the UI before a view is torn down and after it is
// shown again.
type Event struct {
	Kind      EventKind
	StationID orders.ID
}

// HandleEvent snapshots and unmounts on navigate-away and hidden, and mounts
// and restores on return and visible. The restored queue is returned for
// the latter; it is nil when nothing was stored.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) (*orders.Snapshot, error) {
	switch ev.Kind {
	case EventNavigateAway, EventHidden:
		// The snapshot must be durable before the view unmounts
		if err := m.Snapshot(ctx, ev.StationID); err != nil {
			return nil, err
		}
		m.Unmount(ev.StationID)
		return nil, nil
	case EventReturn, EventVisible:
		m.Mount(ev.StationID)
		return m.Restore(ctx, ev.StationID)
	default:
		return nil, fmt.Errorf("unknown session event %q", ev.Kind)
	}
}
