package store

import (
	"encoding/json"
	"time"
)

// Action is a state transition request. The set of actions is closed.
type Action interface {
	isAction()
}

// SetConnection replaces the connection state. Leaving StatusConnected
// forgets the joined rooms.
type SetConnection struct{ Connection Connection }

type SetPolling struct{ Enabled bool }

type RoomJoined struct{ Room string }

type RoomLeft struct{ Room string }

// UpsertEntity replaces the record with the same id or appends it. Any
// pending marker for that id is cleared. A non-zero At moves LastSync in
// the same transition.
type UpsertEntity struct {
	EntityType string
	Record     Record
	At         time.Time
}

// PatchEntity overlays Fields onto the stored record, or inserts a minimal
// record {id, ...Fields} when none exists.
type PatchEntity struct {
	EntityType string
	ID         int64
	Fields     json.RawMessage
	At         time.Time
}

// RemoveEntity deletes the record and any pending marker referencing it.
type RemoveEntity struct {
	EntityType string
	ID         int64
	At         time.Time
}

type AppendNotification struct{ Notification Notification }

type MarkPending struct{ Pending PendingAction }

// ClearPending drops the pending marker of one entity, if any.
type ClearPending struct {
	EntityType string
	ID         int64
}

type MarkSynced struct{ At time.Time }

// ResetSession drops everything tied to the authenticated principal. The
// connection state is kept.
type ResetSession struct{}

func (SetConnection) isAction()      {}
func (SetPolling) isAction()         {}
func (RoomJoined) isAction()         {}
func (RoomLeft) isAction()           {}
func (UpsertEntity) isAction()       {}
func (PatchEntity) isAction()        {}
func (RemoveEntity) isAction()       {}
func (AppendNotification) isAction() {}
func (MarkPending) isAction()        {}
func (ClearPending) isAction()       {}
func (MarkSynced) isAction()         {}
func (ResetSession) isAction()       {}
