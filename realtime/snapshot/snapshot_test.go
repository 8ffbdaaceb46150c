package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vovakirdan/ticketsync/realtime/store"
)

func newTestCache(t *testing.T) (*Cache, context.Context) {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, filepath.Join(t.TempDir(), "cache", "ticketsync-test.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, ctx
}

func TestSaveAndRestore(t *testing.T) {
	c, ctx := newTestCache(t)

	src := store.New()
	for _, raw := range []string{`{"id":2,"estado":"abierto"}`, `{"id":1}`} {
		if err := src.Upsert("tickets", []byte(raw)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = src.Upsert("comentarios", []byte(`{"id":10,"texto":"hola"}`))

	if err := c.SaveState(ctx, src.State()); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := store.New()
	n, err := c.Restore(ctx, dst)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 3 {
		t.Fatalf("restored %d records, want 3", n)
	}
	ids := dst.State().Collection("tickets").IDs()
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 1 {
		t.Fatalf("ticket order = %v", ids)
	}
	r, _ := dst.State().Collection("comentarios").Get(10)
	if r.Get("texto").String() != "hola" {
		t.Fatalf("comentario = %s", r.Raw)
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	c, ctx := newTestCache(t)

	if err := c.Save(ctx, "tickets", store.NewCollection(mustRecord(t, `{"id":1}`), mustRecord(t, `{"id":2}`))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Save(ctx, "tickets", store.NewCollection(mustRecord(t, `{"id":3}`))); err != nil {
		t.Fatalf("save: %v", err)
	}
	records, err := c.Load(ctx, "tickets")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records[0].ID != 3 {
		t.Fatalf("records = %+v", records)
	}
}

func TestRestoreForOtherOwnerClearsCache(t *testing.T) {
	c, ctx := newTestCache(t)

	src := store.New()
	_ = src.Upsert("tickets", []byte(`{"id":1,"titulo":"privado"}`))
	if err := c.SaveFor(ctx, "cliente:7", src.State()); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := store.New()
	n, err := c.RestoreFor(ctx, "cliente:8", dst)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 0 || dst.State().Collection("tickets").Len() != 0 {
		t.Fatalf("restored %d records for another owner", n)
	}
	owner, err := c.Owner(ctx)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "" {
		t.Fatalf("owner = %q after clear", owner)
	}

	if err := c.SaveFor(ctx, "cliente:7", src.State()); err != nil {
		t.Fatalf("save: %v", err)
	}
	n, err = c.RestoreFor(ctx, "cliente:7", dst)
	if err != nil || n != 1 {
		t.Fatalf("restore same owner = %d, %v", n, err)
	}
}

func mustRecord(t *testing.T, raw string) store.Record {
	t.Helper()
	r, err := store.NewRecord([]byte(raw))
	if err != nil {
		t.Fatalf("record %s: %v", raw, err)
	}
	return r
}
