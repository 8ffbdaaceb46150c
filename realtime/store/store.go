// Package store holds the session state shared by the realtime engine and
// its consumers. All changes go through Reduce.
package store

import (
	"fmt"
	"sync"
)

// Listener observes applied transitions. It is called outside the store
// lock, so it may read the store or dispatch further actions; listeners
// fed from different goroutines may observe transitions out of order.
type Listener func(prev, next State, action Action)

// Store is the process-wide session state.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

func New() *Store {
	return &Store{listeners: map[int]Listener{}}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies a and returns the resulting state. Listeners run only
// when the state actually changed.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, a)
	s.state = next
	var ls []Listener
	if next.Version != prev.Version {
		ls = make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			ls = append(ls, l)
		}
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(prev, next, a)
	}
	return next
}

// Subscribe registers fn and returns a function removing it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Upsert validates raw and upserts it into the entityType collection.
// Malformed payloads are rejected with ErrMalformedRecord and leave the
// state untouched.
func (s *Store) Upsert(entityType string, raw []byte) error {
	rec, err := NewRecord(raw)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entityType, err)
	}
	s.Dispatch(UpsertEntity{EntityType: entityType, Record: rec})
	return nil
}

// Remove deletes id from the entityType collection; unknown ids are a no-op.
func (s *Store) Remove(entityType string, id int64) {
	s.Dispatch(RemoveEntity{EntityType: entityType, ID: id})
}
