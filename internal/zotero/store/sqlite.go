package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

var _ Store = (*DB)(nil)

// DB is a Store backed by an embedded SQLite database.
//
// Each snapshot is stored whole in the snapshots table. Its items are also
// written to the items table in the same transaction, so counts and
// per-type breakdowns can be answered without decoding snapshots.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("~/.zsync/zsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS snapshots (
		path TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		library_id INTEGER NOT NULL,
		last_version INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL  -- JSON snapshot
	);

	CREATE TABLE IF NOT EXISTS items (
		path TEXT NOT NULL,
		key TEXT NOT NULL,       -- library-assigned key
		display_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		item_type TEXT NOT NULL,
		has_citekey INTEGER NOT NULL DEFAULT 0,
		parent_item TEXT,
		title TEXT,
		PRIMARY KEY (path, key),
		FOREIGN KEY (path) REFERENCES snapshots(path) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_items_type ON items(path, item_type);
	CREATE INDEX IF NOT EXISTS idx_items_parent ON items(path, parent_item);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get implements Store.
func (db *DB) Get(ctx context.Context, path string) (*schema.Snapshot, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE path = ?`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	var snap schema.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Put implements Store.
func (db *DB) Put(ctx context.Context, snap schema.Snapshot) error {
	if err := snap.Library.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	path := snap.Library.Path()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO snapshots (path, kind, library_id, last_version, item_count, updated_at, data)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		last_version = excluded.last_version,
		item_count = excluded.item_count,
		updated_at = excluded.updated_at,
		data = excluded.data
	`,
		path,
		string(snap.Library.Kind),
		snap.Library.ID,
		snap.LastVersion,
		len(snap.Items),
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to clear items of %s: %w", path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO items (path, key, display_key, version, item_type, has_citekey, parent_item, title)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path, key) DO UPDATE SET
		display_key = excluded.display_key,
		version = excluded.version,
		item_type = excluded.item_type,
		has_citekey = excluded.has_citekey,
		parent_item = excluded.parent_item,
		title = excluded.title
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range snap.Items {
		_, err := stmt.ExecContext(ctx,
			path,
			it.NativeKey(),
			it.Key,
			it.Version,
			it.Data.ItemType,
			boolToInt(it.HasCitekey),
			nullString(it.Data.ParentItem),
			nullString(it.Data.Title),
		)
		if err != nil {
			return fmt.Errorf("failed to index item %s: %w", it.NativeKey(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete implements Store.
func (db *DB) Delete(ctx context.Context, path string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete items of %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", path, err)
	}
	return tx.Commit()
}

// List implements Store.
func (db *DB) List(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path FROM snapshots ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Summary describes one stored library without decoding its snapshot.
type Summary struct {
	Path        string
	LastVersion int
	ItemCount   int
	UpdatedAt   time.Time
	ByType      map[string]int
	Citekeys    int
}

// Summaries returns one Summary per stored library, sorted by path.
func (db *DB) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT path, last_version, item_count, updated_at FROM snapshots ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	var out []Summary
	for rows.Next() {
		var s Summary
		var updated string
		if err := rows.Scan(&s.Path, &s.LastVersion, &s.ItemCount, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		s.ByType = make(map[string]int)
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := db.fillTypeCounts(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) fillTypeCounts(ctx context.Context, s *Summary) error {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT item_type, COUNT(*), SUM(has_citekey) FROM items WHERE path = ? GROUP BY item_type`, s.Path)
	if err != nil {
		return fmt.Errorf("failed to count items of %s: %w", s.Path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n, cite int
		if err := rows.Scan(&typ, &n, &cite); err != nil {
			return fmt.Errorf("failed to scan item counts: %w", err)
		}
		s.ByType[typ] = n
		s.Citekeys += cite
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
