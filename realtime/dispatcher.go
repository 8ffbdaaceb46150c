package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/vovakirdan/ticketsync/realtime/store"
)

// Dispatcher reconciles inbound messages onto the session store and fans
// sync events out to subscribers. Messages from one connection are handled
// in arrival order by the connection's read loop.
type Dispatcher struct {
	store  *store.Store
	bus    *syncBus
	logger Logger
	now    func() time.Time

	onConnected       func()
	onReconnectFailed func()
	onEntity          func(kind MessageKind, entityType string, id int64)
	onError           func(error)
}

func newDispatcher(s *store.Store, bus *syncBus, logger Logger) *Dispatcher {
	return &Dispatcher{
		store:  s,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// DispatchEnvelope handles one frame read from the push channel.
func (d *Dispatcher) DispatchEnvelope(env Envelope) error {
	switch env.Type {
	case envelopeError:
		err := FromProtocolError(env.Error)
		if err == nil {
			err = NewError(ErrorUnknown, "error frame without details")
		}
		d.logger.Warn("server error frame", map[string]any{"error": err.Error()})
		d.fireError(err)
		return nil
	case envelopeEvent:
		return d.Dispatch(Message{Kind: ParseMessageKind(env.Event), Name: env.Event, Payload: env.Data})
	default:
		d.logger.Warn("unknown envelope type", map[string]any{"type": env.Type})
		return NewError(ErrorInvalidMessage, "unknown envelope type "+env.Type)
	}
}

// Dispatch maps msg onto exactly one kind of store transition. Malformed
// payloads are logged and returned as errors; the store is left unchanged.
func (d *Dispatcher) Dispatch(msg Message) error {
	switch msg.Kind {
	case KindConnecting:
		d.store.Dispatch(store.SetConnection{Connection: store.Connection{Status: store.StatusConnecting}})
		return nil

	case KindConnected:
		d.store.Dispatch(store.SetConnection{Connection: store.Connection{Status: store.StatusConnected}})
		if d.onConnected != nil {
			d.onConnected()
		}
		return nil

	case KindDisconnected:
		var p disconnectedPayload
		if err := decodeLifecycle(msg.Payload, &p); err != nil {
			return d.reject(msg, "invalid disconnected payload", err)
		}
		d.store.Dispatch(store.SetConnection{Connection: store.Connection{Status: store.StatusDisconnected, Reason: p.Reason}})
		return nil

	case KindReconnectAttempt:
		var p reconnectAttemptPayload
		if err := decodeLifecycle(msg.Payload, &p); err != nil {
			return d.reject(msg, "invalid reconnect_attempt payload", err)
		}
		d.store.Dispatch(store.SetConnection{Connection: store.Connection{Status: store.StatusReconnectAttempt, Attempt: p.Attempt}})
		return nil

	case KindReconnectFailed:
		d.store.Dispatch(store.SetConnection{Connection: store.Connection{Status: store.StatusDisconnected, Reason: "reconnect_failed"}})
		if d.onReconnectFailed != nil {
			d.onReconnectFailed()
		}
		return nil

	case KindEntityCreated, KindEntityUpdated, KindEntityAssigned:
		return d.handleEntity(msg)

	case KindEntityDeleted:
		return d.handleDeleted(msg)

	case KindCriticalUpdate:
		return d.handleCritical(msg)

	case KindNotification:
		d.store.Dispatch(store.AppendNotification{Notification: store.Notification{
			ID:         ulid.Make(),
			Kind:       msg.Name,
			Payload:    append(json.RawMessage(nil), msg.Payload...),
			ReceivedAt: d.now(),
		}})
		if typ := gjson.GetBytes(msg.Payload, "entityType").String(); typ != "" {
			d.publish(SyncEvent{EntityType: typ, Source: SourcePush, Action: msg.Name})
		}
		return nil

	case KindRoomJoined:
		d.logger.Debug("room join acknowledged", map[string]any{"room": gjson.GetBytes(msg.Payload, "room").String()})
		return nil

	case KindSyncRequested:
		typ := payloadType(msg.Payload)
		d.publish(SyncEvent{EntityType: typ, Source: SourceServer, Action: msg.Name})
		return nil

	case KindSyncTriggered:
		typ := payloadType(msg.Payload)
		src := SyncSource(gjson.GetBytes(msg.Payload, "source").String())
		if src == "" {
			src = SourceServer
		}
		d.publish(SyncEvent{EntityType: typ, Source: src, Action: msg.Name})
		return nil

	case KindUnknown:
		d.logger.Warn("unknown message kind", map[string]any{"name": msg.Name})
		return NewError(ErrorInvalidMessage, "unknown message kind "+msg.Name)
	}
	d.logger.Error("unhandled message kind", map[string]any{"kind": int(msg.Kind), "name": msg.Name})
	return NewError(ErrorInvalidMessage, "unhandled message kind")
}

// ReconcileSnapshot feeds a polled collection through the same upsert path
// as pushed records. Malformed records are skipped individually.
func (d *Dispatcher) ReconcileSnapshot(entityType string, records []json.RawMessage) (applied int) {
	for _, raw := range records {
		rec, err := store.NewRecord(raw)
		if err != nil {
			d.logger.Warn("rejected polled record", map[string]any{"entity_type": entityType, "error": err.Error()})
			continue
		}
		d.store.Dispatch(store.UpsertEntity{EntityType: entityType, Record: rec, At: d.now()})
		applied++
	}
	if applied == 0 {
		d.store.Dispatch(store.MarkSynced{At: d.now()})
	}
	d.publish(SyncEvent{EntityType: entityType, Source: SourcePoll, Action: "snapshot"})
	return applied
}

func (d *Dispatcher) handleEntity(msg Message) error {
	typ := payloadType(msg.Payload)
	raw := gjson.GetBytes(msg.Payload, "record")
	if !raw.Exists() {
		raw = gjson.GetBytes(msg.Payload, "data")
	}
	if typ == "" || !raw.Exists() {
		return d.reject(msg, "missing entityType or record", nil)
	}
	rec, err := store.NewRecord([]byte(raw.Raw))
	if err != nil {
		return d.reject(msg, "invalid record", err)
	}
	d.store.Dispatch(store.UpsertEntity{EntityType: typ, Record: rec, At: d.now()})
	if d.onEntity != nil {
		d.onEntity(msg.Kind, typ, rec.ID)
	}

	ev := SyncEvent{EntityType: typ, Source: SourcePush, EntityID: rec.ID, Action: msg.Name}
	d.publish(ev)
	if prio, ok := criticalPriority(msg.Payload); ok {
		ev.Source = SourceCritical
		ev.Priority = prio
		d.publish(ev)
	}
	return nil
}

func (d *Dispatcher) handleDeleted(msg Message) error {
	typ := payloadType(msg.Payload)
	idField := gjson.GetBytes(msg.Payload, "id")
	if !idField.Exists() {
		idField = gjson.GetBytes(msg.Payload, "entityId")
	}
	id, err := store.ParseID(idField)
	if typ == "" || err != nil {
		return d.reject(msg, "missing entityType or id", err)
	}
	d.store.Dispatch(store.RemoveEntity{EntityType: typ, ID: id, At: d.now()})
	d.publish(SyncEvent{EntityType: typ, Source: SourcePush, EntityID: id, Action: msg.Name})
	return nil
}

// handleCritical normalizes a critical_update into a full record: the
// stored record with the update's data overlaid, or a minimal {id, ...data}
// record when none is stored yet.
func (d *Dispatcher) handleCritical(msg Message) error {
	typ := payloadType(msg.Payload)
	id, err := store.ParseID(gjson.GetBytes(msg.Payload, "entityId"))
	if typ == "" || err != nil {
		return d.reject(msg, "missing entityType or entityId", err)
	}
	var fields json.RawMessage
	if data := gjson.GetBytes(msg.Payload, "data"); data.IsObject() {
		fields = json.RawMessage(data.Raw)
	}
	d.store.Dispatch(store.PatchEntity{EntityType: typ, ID: id, Fields: fields, At: d.now()})

	d.publish(SyncEvent{
		EntityType: typ,
		Source:     SourceCritical,
		EntityID:   id,
		Action:     gjson.GetBytes(msg.Payload, "action").String(),
		Priority:   gjson.GetBytes(msg.Payload, "priority").String(),
	})
	return nil
}

func (d *Dispatcher) reject(msg Message, reason string, cause error) error {
	fields := map[string]any{"kind": msg.Name, "reason": reason}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	d.logger.Warn("rejected malformed payload", fields)
	return WrapError(ErrorMalformedPayload, msg.Name+": "+reason, cause)
}

func (d *Dispatcher) publish(ev SyncEvent) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	d.bus.publish(ev)
}

func (d *Dispatcher) fireError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}

// decodeLifecycle decodes an optional lifecycle payload. An absent body
// leaves v zero.
func decodeLifecycle(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func payloadType(payload json.RawMessage) string {
	if t := gjson.GetBytes(payload, "entityType"); t.Exists() {
		return t.String()
	}
	return gjson.GetBytes(payload, "type").String()
}

// criticalPriority reports whether an entity message carries a priority
// flag next to its record.
func criticalPriority(payload json.RawMessage) (string, bool) {
	prio := strings.ToLower(gjson.GetBytes(payload, "priority").String())
	switch prio {
	case "high", "critical", "urgent", "alta", "critica", "urgente":
		return prio, true
	}
	if gjson.GetBytes(payload, "critical").Bool() {
		return "critical", true
	}
	return "", false
}
