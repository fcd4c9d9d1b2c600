// Package store persists canvas snapshots and local tool state in SQLite.
// It is the reference implementation of the persistence collaborator; the
// engine only depends on the Persistence and ToolStateStore interfaces.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Snapshot is the persisted unit: the full element list (tombstones
// included) plus attached files.
type Snapshot struct {
	Elements []byte // JSON array of elements
	Files    []byte // JSON object of file id -> file
}

// Persistence is the narrow interface the session depends on. Save runs
// after each local flush; Load runs once on session start. A missing note
// loads as ok=false, not an error.
type Persistence interface {
	Load(ctx context.Context, noteID string) (Snapshot, bool, error)
	Save(ctx context.Context, noteID string, snap Snapshot) error
}

// ToolState is the persisted local tool selection.
type ToolState struct {
	SelectedTool string
	ToolOptions  []byte // JSON object
	ChangedAt    int64  // wall-clock ms
}

// ToolStateStore persists the strictly-local tool state, keyed by user.
type ToolStateStore interface {
	LoadTool(ctx context.Context, userID string) (ToolState, bool, error)
	SaveTool(ctx context.Context, userID string, ts ToolState) error
}

// Store is the SQLite implementation of both interfaces.
// Uses WAL mode so snapshot reads don't block flush-time writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applying pragmas and the
// schema. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent session flushes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load implements Persistence.
func (s *Store) Load(ctx context.Context, noteID string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT elements, files FROM notes WHERE note_id = ?`, noteID,
	).Scan(&snap.Elements, &snap.Files)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load note %q: %w", noteID, err)
	}
	return snap, true, nil
}

// Save implements Persistence. Upserts the whole snapshot; the previous
// one is overwritten, not versioned.
func (s *Store) Save(ctx context.Context, noteID string, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (note_id, elements, files, updated_at)
		VALUES (?, ?, ?, strftime('%s','now') * 1000)
		ON CONFLICT(note_id) DO UPDATE SET
			elements = excluded.elements,
			files = excluded.files,
			updated_at = excluded.updated_at
	`, noteID, snap.Elements, snap.Files)
	if err != nil {
		return fmt.Errorf("save note %q: %w", noteID, err)
	}
	return nil
}

// LoadTool implements ToolStateStore.
func (s *Store) LoadTool(ctx context.Context, userID string) (ToolState, bool, error) {
	var ts ToolState
	err := s.db.QueryRowContext(ctx,
		`SELECT selected_tool, tool_options, changed_at FROM tool_state WHERE user_id = ?`, userID,
	).Scan(&ts.SelectedTool, &ts.ToolOptions, &ts.ChangedAt)
	if err == sql.ErrNoRows {
		return ToolState{}, false, nil
	}
	if err != nil {
		return ToolState{}, false, fmt.Errorf("load tool state for %q: %w", userID, err)
	}
	return ts, true, nil
}

// SaveTool implements ToolStateStore.
func (s *Store) SaveTool(ctx context.Context, userID string, ts ToolState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_state (user_id, selected_tool, tool_options, changed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			selected_tool = excluded.selected_tool,
			tool_options = excluded.tool_options,
			changed_at = excluded.changed_at
	`, userID, ts.SelectedTool, ts.ToolOptions, ts.ChangedAt)
	if err != nil {
		return fmt.Errorf("save tool state for %q: %w", userID, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
