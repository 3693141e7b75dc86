package degraded

import (
	"errors"
	"time"
)

// Mode is the controller's operating mode.
type Mode string

const (
	// ModeConnected serves requests from the remote API.
	ModeConnected Mode = "connected"

	// ModeDegraded serves reads from the durable cache.
	ModeDegraded Mode = "degraded"
)

// Reason records why a transition happened.
type Reason string

const (
	ReasonAuthFailures    Reason = "auth_failures"
	ReasonNetworkFailures Reason = "network_failures"
	ReasonManual          Reason = "manual"
	ReasonReconnect       Reason = "reconnect"
	ReasonReset           Reason = "reset"
	ReasonRemote          Reason = "remote" // another instance changed the mode
)

var (
	// ErrProbeThrottled is returned by Reconnect when called again before
	// the probe interval has elapsed.
	ErrProbeThrottled = errors.New("reconnect probe throttled")

	// ErrNoBaseline is returned by Read for a key that is neither cached nor
	// has a baseline.
	ErrNoBaseline = errors.New("no cached value or baseline for key")

	// errCacheMiss never leaves the package; misses are resolved by
	// synthesizing a baseline.
	errCacheMiss = errors.New("cache miss")
)

// State is the resilience state. Mode fields are persisted at
// resilience.mode and counters at resilience.failure_count.
type State struct {
	Mode             Mode   `json:"mode"`
	Reason           Reason `json:"reason,omitempty"`
	LastTransitionMs int64  `json:"last_transition_ms"`
	AuthFailures     int    `json:"auth_failures"`
	NetworkFailures  int    `json:"network_failures"`
	AuthThreshold    int    `json:"auth_threshold"`
	NetworkThreshold int    `json:"network_threshold"`
}

// LastTransition returns the last transition time, zero if none.
func (s State) LastTransition() time.Time {
	if s.LastTransitionMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastTransitionMs)
}

// Transition is emitted to listeners on every mode change.
type Transition struct {
	From   Mode
	To     Mode
	Reason Reason
	At     time.Time
}

type modeRecord struct {
	Mode             Mode   `json:"mode"`
	Reason           Reason `json:"reason,omitempty"`
	LastTransitionMs int64  `json:"last_transition_ms"`
}

type countRecord struct {
	Auth    int `json:"auth"`
	Network int `json:"network"`
}
