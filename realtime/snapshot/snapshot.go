// Package snapshot persists entity collections between sessions so a client
// can render its last known view before the first sync completes.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vovakirdan/ticketsync/realtime/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	entity_type TEXT NOT NULL,
	id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	body TEXT NOT NULL,
	saved_at TEXT NOT NULL,
	PRIMARY KEY(entity_type, id)
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Cache is a sqlite-backed collection cache.
type Cache struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod cache path: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Save replaces the cached records of entityType with coll.
func (c *Cache) Save(ctx context.Context, entityType string, coll store.Collection) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", entityType, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ?`, entityType); err != nil {
		return fmt.Errorf("clear %s: %w", entityType, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, r := range coll.Records() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records(entity_type, id, position, body, saved_at) VALUES (?, ?, ?, ?, ?)`,
			entityType, r.ID, i, string(r.Raw), now,
		); err != nil {
			return fmt.Errorf("insert %s/%d: %w", entityType, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", entityType, err)
	}
	return nil
}

// SaveState saves every collection in st.
func (c *Cache) SaveState(ctx context.Context, st store.State) error {
	for _, typ := range st.EntityTypes() {
		if err := c.Save(ctx, typ, st.Collection(typ)); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the cached records of entityType in their saved order.
// Rows that no longer parse are skipped.
func (c *Cache) Load(ctx context.Context, entityType string) ([]store.Record, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT body FROM records WHERE entity_type = ? ORDER BY position`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entityType, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entityType, err)
		}
		r, err := store.NewRecord([]byte(body))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", entityType, err)
	}
	return out, nil
}

// EntityTypes lists the cached entity types.
func (c *Cache) EntityTypes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT entity_type FROM records ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan entity type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Owner returns the principal the cache was last saved for, or "" if none.
func (c *Cache) Owner(ctx context.Context) (string, error) {
	var owner string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'owner'`).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read owner: %w", err)
	}
	return owner, nil
}

// SaveFor replaces the whole cache with st and records owner.
func (c *Cache) SaveFor(ctx context.Context, owner string, st store.State) error {
	if err := c.Clear(ctx); err != nil {
		return err
	}
	if err := c.SaveState(ctx, st); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES ('owner', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		owner,
	); err != nil {
		return fmt.Errorf("write owner: %w", err)
	}
	return nil
}

// Clear drops every cached record and the owner.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM meta WHERE key = 'owner'`); err != nil {
		return fmt.Errorf("clear owner: %w", err)
	}
	return nil
}

// RestoreFor upserts the cached records into s only if they were saved for
// owner. A cache left by another principal is cleared instead.
func (c *Cache) RestoreFor(ctx context.Context, owner string, s *store.Store) (int, error) {
	saved, err := c.Owner(ctx)
	if err != nil {
		return 0, err
	}
	if saved != owner {
		return 0, c.Clear(ctx)
	}
	return c.Restore(ctx, s)
}

// Restore upserts every cached record into s.
func (c *Cache) Restore(ctx context.Context, s *store.Store) (int, error) {
	types, err := c.EntityTypes(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, typ := range types {
		records, err := c.Load(ctx, typ)
		if err != nil {
			return n, err
		}
		for _, r := range records {
			s.Dispatch(store.UpsertEntity{EntityType: typ, Record: r})
			n++
		}
	}
	return n, nil
}
