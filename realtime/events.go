package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AllEntityTypes subscribes to sync events of every entity type.
const AllEntityTypes = "*"

// SyncSource says what caused a sync event.
type SyncSource string

const (
	SourcePush     SyncSource = "push"
	SourcePoll     SyncSource = "poll"
	SourceCritical SyncSource = "critical"
	SourceManual   SyncSource = "manual"
	SourceServer   SyncSource = "server"
)

// SyncEvent tells collaborators that an entity type should be re-read, or
// has just been reconciled.
type SyncEvent struct {
	EntityType string
	Source     SyncSource
	EntityID   int64 // 0 when the event is about the whole collection
	Action     string
	Priority   string
	At         time.Time
}

type syncSub struct {
	entityType string
	fn         func(SyncEvent)
}

// syncBus fans sync events out to subscribers synchronously.
type syncBus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]syncSub
}

func newSyncBus() *syncBus {
	return &syncBus{subs: map[uuid.UUID]syncSub{}}
}

func (b *syncBus) subscribe(entityType string, fn func(SyncEvent)) func() {
	id := uuid.New()
	b.mu.Lock()
	b.subs[id] = syncSub{entityType: entityType, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *syncBus) publish(ev SyncEvent) {
	b.mu.RLock()
	fns := make([]func(SyncEvent), 0, len(b.subs))
	for _, s := range b.subs {
		if s.entityType == AllEntityTypes || s.entityType == ev.EntityType {
			fns = append(fns, s.fn)
		}
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
