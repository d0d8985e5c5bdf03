// Package index keeps a small SQLite database of run state in the workspace,
// so status queries don't have to walk every instance directory.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one instance's latest known state.
type Entry struct {
	InstanceID string
	Stage      string
	Completed  bool
	Image      string
	UpdatedAt  time.Time
}

type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	completed   INTEGER NOT NULL,
	image       TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL
);`

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	// The index is written by many workers through one process; a single
	// connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// Upsert records the latest state for an instance.
func (ix *Index) Upsert(e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := ix.db.Exec(`
		INSERT INTO instances (instance_id, stage, completed, image, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			stage = excluded.stage,
			completed = excluded.completed,
			image = excluded.image,
			updated_at = excluded.updated_at`,
		e.InstanceID, e.Stage, boolInt(e.Completed), e.Image, e.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting %s: %w", e.InstanceID, err)
	}
	return nil
}

// Get returns the entry for one instance; sql.ErrNoRows holds for the
// returned error when the instance is unknown.
func (ix *Index) Get(instanceID string) (Entry, error) {
	row := ix.db.QueryRow(`
		SELECT instance_id, stage, completed, image, updated_at
		FROM instances WHERE instance_id = ?`, instanceID)
	return scanEntry(row.Scan)
}

// List returns all entries ordered by instance id.
func (ix *Index) List() ([]Entry, error) {
	rows, err := ix.db.Query(`
		SELECT instance_id, stage, completed, image, updated_at
		FROM instances ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(scan func(...any) error) (Entry, error) {
	var e Entry
	var completed int
	var updated string
	if err := scan(&e.InstanceID, &e.Stage, &completed, &e.Image, &updated); err != nil {
		return Entry{}, err
	}
	e.Completed = completed != 0
	t, err := time.Parse(time.RFC3339, updated)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at for %s: %w", e.InstanceID, err)
	}
	e.UpdatedAt = t
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
