package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func mustRecord(t *testing.T, raw string) Record {
	t.Helper()
	r, err := NewRecord([]byte(raw))
	if err != nil {
		t.Fatalf("NewRecord(%s): %v", raw, err)
	}
	return r
}

func TestNewRecordRejectsMalformed(t *testing.T) {
	cases := []string{
		`{}`,
		`{"id":null}`,
		`{"id":"abc"}`,
		`{"id":1.5}`,
		`{"id":true}`,
		`[{"id":1}]`,
		`not json`,
		``,
	}
	for _, raw := range cases {
		_, err := NewRecord([]byte(raw))
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("NewRecord(%q) err = %v, want ErrMalformedRecord", raw, err)
		}
	}
}

func TestNewRecordAcceptsNumericIDs(t *testing.T) {
	r := mustRecord(t, `{"id":42,"estado":"abierto"}`)
	assert.Equal(t, int64(42), r.ID)
	assert.Equal(t, "abierto", r.Get("estado").String())

	r = mustRecord(t, `{"id":"7"}`)
	assert.Equal(t, int64(7), r.ID)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := New()
	raw := []byte(`{"id":1,"estado":"abierto"}`)
	if err := s.Upsert("tickets", raw); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	once := s.State()
	if err := s.Upsert("tickets", raw); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	twice := s.State()

	assert.Equal(t, once.Collection("tickets").IDs(), twice.Collection("tickets").IDs())
	assert.Equal(t, 1, twice.Collection("tickets").Len())
	assert.Equal(t, once.Version, twice.Version)
}

func TestUpsertReplacesInPlace(t *testing.T) {
	s := New()
	for _, raw := range []string{`{"id":1,"estado":"abierto"}`, `{"id":2,"estado":"abierto"}`} {
		if err := s.Upsert("tickets", []byte(raw)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := s.Upsert("tickets", []byte(`{"id":1,"estado":"en_proceso"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}

	coll := s.State().Collection("tickets")
	assert.Equal(t, []int64{1, 2}, coll.IDs())
	one, _ := coll.Get(1)
	assert.Equal(t, "en_proceso", one.Get("estado").String())
	two, _ := coll.Get(2)
	assert.Equal(t, `{"id":2,"estado":"abierto"}`, string(two.Raw))
}

func TestUpsertMalformedLeavesStateUnchanged(t *testing.T) {
	s := New()
	if err := s.Upsert("tickets", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := s.State()

	err := s.Upsert("tickets", []byte(`{}`))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
	after := s.State()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, []int64{1}, after.Collection("tickets").IDs())

	// A zero Record reaching the reducer directly is ignored as well.
	next := Reduce(after, UpsertEntity{EntityType: "tickets"})
	assert.Equal(t, after.Version, next.Version)
}

func TestRemoveDropsRecordAndPendingMarker(t *testing.T) {
	s := New()
	_ = s.Upsert("tickets", []byte(`{"id":1}`))
	_ = s.Upsert("tickets", []byte(`{"id":2}`))
	s.Dispatch(MarkPending{Pending: PendingAction{EntityType: "tickets", EntityID: 2, Action: "assign"}})

	s.Remove("tickets", 2)
	st := s.State()
	assert.Equal(t, []int64{1}, st.Collection("tickets").IDs())
	if _, ok := st.Pending("tickets", 2); ok {
		t.Fatalf("pending marker survived removal")
	}

	v := st.Version
	s.Remove("tickets", 99)
	assert.Equal(t, v, s.State().Version)
}

func TestUpsertClearsPendingMarker(t *testing.T) {
	s := New()
	s.Dispatch(MarkPending{Pending: PendingAction{EntityType: "tickets", EntityID: 3, Action: "close"}})
	if _, ok := s.State().Pending("tickets", 3); !ok {
		t.Fatalf("expected pending marker")
	}
	_ = s.Upsert("tickets", []byte(`{"id":3,"estado":"cerrado"}`))
	if _, ok := s.State().Pending("tickets", 3); ok {
		t.Fatalf("pending marker not cleared by upsert")
	}
}

func TestPatchEntity(t *testing.T) {
	s := New()
	_ = s.Upsert("tickets", []byte(`{"id":5,"titulo":"fuga","estado":"abierto"}`))

	s.Dispatch(PatchEntity{EntityType: "tickets", ID: 5, Fields: json.RawMessage(`{"estado":"asignado"}`)})
	r, _ := s.State().Collection("tickets").Get(5)
	assert.Equal(t, "asignado", r.Get("estado").String())
	assert.Equal(t, "fuga", r.Get("titulo").String())

	s.Dispatch(PatchEntity{EntityType: "tickets", ID: 6, Fields: json.RawMessage(`{"id":999,"estado":"nuevo"}`)})
	r, ok := s.State().Collection("tickets").Get(6)
	if !ok {
		t.Fatalf("patch did not insert minimal record")
	}
	assert.Equal(t, int64(6), r.Get("id").Int())

	v := s.State().Version
	s.Dispatch(PatchEntity{EntityType: "tickets", ID: 5, Fields: json.RawMessage(`"nope"`)})
	assert.Equal(t, v, s.State().Version)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	var s0 State
	s1 := Reduce(s0, UpsertEntity{EntityType: "tickets", Record: mustRecord(t, `{"id":1}`)})
	s2 := Reduce(s1, UpsertEntity{EntityType: "tickets", Record: mustRecord(t, `{"id":2}`)})
	assert.Equal(t, 0, s0.Collection("tickets").Len())
	assert.Equal(t, 1, s1.Collection("tickets").Len())
	assert.Equal(t, 2, s2.Collection("tickets").Len())

	n1 := Reduce(s0, AppendNotification{Notification: Notification{Kind: "a"}})
	n2a := Reduce(n1, AppendNotification{Notification: Notification{Kind: "b"}})
	n2b := Reduce(n1, AppendNotification{Notification: Notification{Kind: "c"}})
	assert.Equal(t, "b", n2a.Notifications()[1].Kind)
	assert.Equal(t, "c", n2b.Notifications()[1].Kind)
	assert.Equal(t, 1, len(n1.Notifications()))

	r1 := Reduce(s0, RoomJoined{Room: "role:cliente"})
	_ = Reduce(r1, RoomJoined{Room: "ticket:1"})
	assert.Equal(t, []string{"role:cliente"}, r1.JoinedRooms())
}

func TestRooms(t *testing.T) {
	s := New()
	s.Dispatch(RoomJoined{Room: "role:cliente"})
	v := s.State().Version
	s.Dispatch(RoomJoined{Room: "role:cliente"})
	assert.Equal(t, v, s.State().Version)

	s.Dispatch(RoomJoined{Room: "ticket:1"})
	assert.Equal(t, []string{"role:cliente", "ticket:1"}, s.State().JoinedRooms())

	s.Dispatch(RoomLeft{Room: "ticket:1"})
	assert.Equal(t, []string{"role:cliente"}, s.State().JoinedRooms())
}

func TestEntityActionsMarkSyncInOneStep(t *testing.T) {
	s := New()
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Dispatch(UpsertEntity{EntityType: "tickets", Record: mustRecord(t, `{"id":1}`), At: t1})
	assert.Equal(t, uint64(1), s.State().Version)
	assert.Equal(t, t1, s.State().LastSync)

	// Same record again: only the sync time moves.
	t2 := t1.Add(time.Second)
	s.Dispatch(UpsertEntity{EntityType: "tickets", Record: mustRecord(t, `{"id":1}`), At: t2})
	assert.Equal(t, uint64(2), s.State().Version)
	assert.Equal(t, t2, s.State().LastSync)

	t3 := t2.Add(time.Second)
	s.Dispatch(RemoveEntity{EntityType: "tickets", ID: 99, At: t3})
	assert.Equal(t, uint64(3), s.State().Version)
	assert.Equal(t, t3, s.State().LastSync)

	s.Dispatch(PatchEntity{EntityType: "tickets", ID: 1, Fields: json.RawMessage(`"nope"`), At: t3.Add(time.Second)})
	assert.Equal(t, uint64(3), s.State().Version)
}

func TestClearPending(t *testing.T) {
	s := New()
	s.Dispatch(MarkPending{Pending: PendingAction{EntityType: "tickets", EntityID: 2, Action: "cerrar"}})
	v := s.State().Version
	s.Dispatch(ClearPending{EntityType: "tickets", ID: 3})
	assert.Equal(t, v, s.State().Version)

	s.Dispatch(ClearPending{EntityType: "tickets", ID: 2})
	_, ok := s.State().Pending("tickets", 2)
	assert.Equal(t, false, ok)
}

func TestMarkSyncedOnlyMovesForward(t *testing.T) {
	s := New()
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Dispatch(MarkSynced{At: t1})
	s.Dispatch(MarkSynced{At: t1.Add(-time.Minute)})
	assert.Equal(t, t1, s.State().LastSync)
}

func TestResetSession(t *testing.T) {
	s := New()
	s.Dispatch(SetConnection{Connection: Connection{Status: StatusConnected}})
	s.Dispatch(RoomJoined{Room: "role:admin"})
	_ = s.Upsert("tickets", []byte(`{"id":1}`))
	s.Dispatch(AppendNotification{Notification: Notification{Kind: "notification"}})

	s.Dispatch(ResetSession{})
	st := s.State()
	assert.Equal(t, StatusConnected, st.Connection.Status)
	assert.Equal(t, 0, len(st.EntityTypes()))
	assert.Equal(t, 0, len(st.JoinedRooms()))
	assert.Equal(t, 0, len(st.Notifications()))
}

func TestSubscribe(t *testing.T) {
	s := New()
	var calls int
	var last Action
	unsubscribe := s.Subscribe(func(prev, next State, a Action) {
		calls++
		last = a
		if next.Version != prev.Version+1 {
			t.Errorf("version jump %d -> %d", prev.Version, next.Version)
		}
	})

	s.Dispatch(SetPolling{Enabled: true})
	s.Dispatch(SetPolling{Enabled: true})
	assert.Equal(t, 1, calls)
	assert.Equal(t, SetPolling{Enabled: true}, last)

	unsubscribe()
	unsubscribe()
	s.Dispatch(SetPolling{Enabled: false})
	assert.Equal(t, 1, calls)
}

func TestConnectionString(t *testing.T) {
	cases := map[Connection]string{
		{Status: StatusIdle}:                          "idle",
		{Status: StatusConnected}:                     "connected",
		{Status: StatusDisconnected, Reason: "eof"}:   "disconnected(eof)",
		{Status: StatusReconnectAttempt, Attempt: 3}: "reconnect_attempt(3)",
	}
	for c, want := range cases {
		assert.Equal(t, want, c.String())
	}
}

func TestLeavingConnectedClearsRooms(t *testing.T) {
	s := New()
	s.Dispatch(SetConnection{Connection: Connection{Status: StatusConnected}})
	s.Dispatch(RoomJoined{Room: "role:cliente"})
	s.Dispatch(SetConnection{Connection: Connection{Status: StatusDisconnected, Reason: "transport close"}})
	assert.Equal(t, 0, len(s.State().JoinedRooms()))
}
