package store

import (
	"bytes"
	"maps"
	"time"
)

// Reduce returns the state that results from applying a to s. It reads
// nothing but its arguments and never mutates s. Actions that would not
// change anything (including malformed records) return s unchanged, with
// the same Version.
func Reduce(s State, a Action) State {
	next, changed := reduce(s, a)
	if !changed {
		return s
	}
	next.Version = s.Version + 1
	return next
}

func reduce(s State, a Action) (State, bool) {
	switch a := a.(type) {
	case SetConnection:
		if s.Connection == a.Connection {
			return s, false
		}
		// Joined rooms only exist on a live connection.
		if a.Connection.Status != StatusConnected {
			s.rooms = nil
		}
		s.Connection = a.Connection
		return s, true

	case SetPolling:
		if s.Polling == a.Enabled {
			return s, false
		}
		s.Polling = a.Enabled
		return s, true

	case RoomJoined:
		if a.Room == "" || s.InRoom(a.Room) {
			return s, false
		}
		rooms := maps.Clone(s.rooms)
		if rooms == nil {
			rooms = map[string]struct{}{}
		}
		rooms[a.Room] = struct{}{}
		s.rooms = rooms
		return s, true

	case RoomLeft:
		if !s.InRoom(a.Room) {
			return s, false
		}
		rooms := maps.Clone(s.rooms)
		delete(rooms, a.Room)
		s.rooms = rooms
		return s, true

	case UpsertEntity:
		if a.EntityType == "" || !a.Record.Valid() {
			return s, false
		}
		s, changed := upsert(s, a.EntityType, a.Record)
		return synced(s, a.At, changed)

	case PatchEntity:
		if a.EntityType == "" {
			return s, false
		}
		base, ok := s.Collection(a.EntityType).Get(a.ID)
		if ok && len(a.Fields) == 0 {
			return synced(s, a.At, false)
		}
		merged, err := base.merge(a.ID, a.Fields)
		if err != nil {
			return s, false
		}
		s, changed := upsert(s, a.EntityType, merged)
		return synced(s, a.At, changed)

	case RemoveEntity:
		coll, removed := s.Collection(a.EntityType).remove(a.ID)
		s, purged := clearPending(s, a.EntityType, a.ID)
		if removed {
			s.collections = withCollection(s.collections, a.EntityType, coll)
		}
		return synced(s, a.At, removed || purged)

	case AppendNotification:
		n := len(s.notifications)
		s.notifications = append(s.notifications[:n:n], a.Notification)
		return s, true

	case MarkPending:
		p := a.Pending
		key := pendingKey{p.EntityType, p.EntityID}
		if cur, ok := s.pending[key]; ok && cur == p {
			return s, false
		}
		pending := maps.Clone(s.pending)
		if pending == nil {
			pending = map[pendingKey]PendingAction{}
		}
		pending[key] = p
		s.pending = pending
		return s, true

	case ClearPending:
		return clearPending(s, a.EntityType, a.ID)

	case MarkSynced:
		return synced(s, a.At, false)

	case ResetSession:
		if len(s.rooms) == 0 && len(s.collections) == 0 && len(s.notifications) == 0 && len(s.pending) == 0 && s.LastSync.IsZero() {
			return s, false
		}
		s.rooms = nil
		s.collections = nil
		s.notifications = nil
		s.pending = nil
		s.LastSync = time.Time{}
		return s, true
	}
	return s, false
}

// synced moves LastSync forward to at; earlier or zero times are ignored.
func synced(s State, at time.Time, changed bool) (State, bool) {
	if !at.After(s.LastSync) {
		return s, changed
	}
	s.LastSync = at
	return s, true
}

func upsert(s State, entityType string, r Record) (State, bool) {
	cur := s.Collection(entityType)
	s, purged := clearPending(s, entityType, r.ID)
	if old, ok := cur.Get(r.ID); ok && bytes.Equal(old.Raw, r.Raw) {
		return s, purged
	}
	coll, _ := cur.upsert(r)
	s.collections = withCollection(s.collections, entityType, coll)
	return s, true
}

func clearPending(s State, entityType string, id int64) (State, bool) {
	key := pendingKey{entityType, id}
	if _, ok := s.pending[key]; !ok {
		return s, false
	}
	pending := maps.Clone(s.pending)
	delete(pending, key)
	s.pending = pending
	return s, true
}

func withCollection(in map[string]Collection, entityType string, c Collection) map[string]Collection {
	out := maps.Clone(in)
	if out == nil {
		out = map[string]Collection{}
	}
	out[entityType] = c
	return out
}
