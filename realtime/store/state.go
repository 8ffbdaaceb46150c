package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnStatus is the coarse state of the realtime connection.
type ConnStatus int

const (
	StatusIdle ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusReconnectAttempt
)

func (s ConnStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnectAttempt:
		return "reconnect_attempt"
	default:
		return "unknown"
	}
}

// Connection is the full connection state: Reason is set for
// StatusDisconnected and Attempt for StatusReconnectAttempt.
type Connection struct {
	Status  ConnStatus
	Reason  string
	Attempt int
}

func (c Connection) String() string {
	switch c.Status {
	case StatusDisconnected:
		return fmt.Sprintf("disconnected(%s)", c.Reason)
	case StatusReconnectAttempt:
		return fmt.Sprintf("reconnect_attempt(%d)", c.Attempt)
	default:
		return c.Status.String()
	}
}

// Notification is one inbound event kept in the session log.
type Notification struct {
	ID         ulid.ULID
	Kind       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// PendingAction marks a critical action sent for an entity that has not
// been confirmed by a later update yet.
type PendingAction struct {
	EntityType string
	EntityID   int64
	Action     string
	Since      time.Time
}

type pendingKey struct {
	entityType string
	id         int64
}

// State is an immutable snapshot of the session. Values returned by the
// accessors must not be modified; Reduce never mutates a State it was given.
type State struct {
	Version    uint64
	Connection Connection
	Polling    bool
	LastSync   time.Time

	rooms         map[string]struct{}
	collections   map[string]Collection
	notifications []Notification
	pending       map[pendingKey]PendingAction
}

// Collection returns the collection for entityType (empty if unknown).
func (s State) Collection(entityType string) Collection {
	return s.collections[entityType]
}

// EntityTypes lists the entity types that have a collection, sorted.
func (s State) EntityTypes() []string {
	out := make([]string, 0, len(s.collections))
	for k := range s.collections {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// JoinedRooms returns the joined room names, sorted.
func (s State) JoinedRooms() []string {
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (s State) InRoom(room string) bool {
	_, ok := s.rooms[room]
	return ok
}

// Notifications returns the log in arrival order.
func (s State) Notifications() []Notification {
	return slices.Clone(s.notifications)
}

// Pending returns the pending action for an entity, if any.
func (s State) Pending(entityType string, id int64) (PendingAction, bool) {
	p, ok := s.pending[pendingKey{entityType, id}]
	return p, ok
}

// PendingActions returns all pending markers ordered by type then id.
func (s State) PendingActions() []PendingAction {
	out := make([]PendingAction, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b PendingAction) int {
		if a.EntityType != b.EntityType {
			if a.EntityType < b.EntityType {
				return -1
			}
			return 1
		}
		switch {
		case a.EntityID < b.EntityID:
			return -1
		case a.EntityID > b.EntityID:
			return 1
		}
		return 0
	})
	return out
}
