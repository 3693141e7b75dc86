// Package orders is the order queue as the resilience layer sees it: the
// fields it inspects, the queue reads and the state transitions, each
// falling back to the durable cache when the API is unavailable.
package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID identifies an order or station. The API sends ids as numbers or
// strings; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*id = ID(n.String())
	return nil
}

// Status is an order's position in the queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Order holds the fields of an order the resilience layer inspects.
type Order struct {
	ID           ID     `json:"id"`
	Status       Status `json:"status"`
	StationID    ID     `json:"station_id,omitempty"`
	CustomerName string `json:"customer_name"`
	Phone        string `json:"phone_number,omitempty"`
	Item         string `json:"coffee_type,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`

	// Placeholder marks baseline orders synthesized while offline.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Station is a coffee station.
type Station struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// InventoryItem is one stock level.
type InventoryItem struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
	Unit     string `json:"unit,omitempty"`
}

// Snapshot is one station's queue at a point in time. It is always written
// and read as a whole.
type Snapshot struct {
	StationID  ID      `json:"station_id"`
	Pending    []Order `json:"pending"`
	InProgress []Order `json:"in_progress"`
	Completed  []Order `json:"completed"`
	TakenAtMs  int64   `json:"taken_at_ms"`
}

// Len returns the number of orders across all three lists.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Pending) + len(s.InProgress) + len(s.Completed)
}

// IsEmpty reports whether the snapshot holds no orders.
func (s *Snapshot) IsEmpty() bool {
	return s.Len() == 0
}

// NewSnapshot builds a station's snapshot from full queue lists. Orders
// assigned to another station are left out; unassigned orders are kept.
func NewSnapshot(stationID ID, pending, inProgress, completed []Order, takenAtMs int64) Snapshot {
	return Snapshot{
		StationID:  stationID,
		Pending:    forStation(stationID, pending),
		InProgress: forStation(stationID, inProgress),
		Completed:  forStation(stationID, completed),
		TakenAtMs:  takenAtMs,
	}
}

func forStation(stationID ID, list []Order) []Order {
	out := make([]Order, 0, len(list))
	for _, o := range list {
		if stationID == "" || o.StationID == "" || o.StationID == stationID {
			out = append(out, o)
		}
	}
	return out
}

// Action is a queue state transition.
type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionStart || a == ActionComplete
}

// TransitionResult is the API's answer to a state transition. Queued is set
// when the transition was applied locally and waits in the outbox.
type TransitionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
}
