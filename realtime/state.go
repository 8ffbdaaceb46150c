package realtime

import (
	"time"

	"github.com/vovakirdan/ticketsync/realtime/store"
)

// ConnectionState is the connection state as held by the session store.
type ConnectionState = store.Connection

// StateEvent represents a state change event.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}

// Status is the summary shown by status indicators.
type Status struct {
	Connected   bool
	Polling     bool
	LastSyncAgo time.Duration // zero when nothing was reconciled yet
	State       ConnectionState
}

// Indicator collapses Status to the three user-visible states.
func (s Status) Indicator() string {
	switch {
	case s.Connected:
		return "connected"
	case s.Polling:
		return "polling"
	default:
		return "disconnected"
	}
}
