package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqlBackend stores snapshots in a single-file embedded SQL database,
// one row per (slot, id), written inside a transaction. The "current"
// image lives under the reserved slot "current"; named snapshots live
// under slot "named".
type sqlBackend struct {
	db *sql.DB
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	slot       TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	saved_at   TEXT NOT NULL,
	PRIMARY KEY (slot, id)
);
`

func newSQLBackend(path string) (*sqlBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: sql backend requires a db path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoids SQLITE_BUSY races
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create schema: %w", err)
	}
	return &sqlBackend{db: db}, nil
}

func (b *sqlBackend) Save(state State) error {
	sealed, err := Seal(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("persistence: marshal: %w", err)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO snapshots (slot, id, body, saved_at) VALUES ('current', 'current', ?, ?)
		 ON CONFLICT(slot, id) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at`,
		string(data), sealed.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persistence: upsert current: %w", err)
	}
	return tx.Commit()
}

func (b *sqlBackend) Load() (State, error) {
	row := b.db.QueryRow(`SELECT body FROM snapshots WHERE slot = 'current' AND id = 'current'`)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return NewEmptyState(time.Now().UTC()), nil
		}
		return State{}, fmt.Errorf("persistence: scan current: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if !Verify(state) {
		return State{}, ErrChecksumMismatch
	}
	return state, nil
}

func (b *sqlBackend) CreateSnapshot(id string, state State) error {
	sealed, err := Seal(state)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}
	_, err = b.db.Exec(
		`INSERT INTO snapshots (slot, id, body, saved_at) VALUES ('named', ?, ?, ?)
		 ON CONFLICT(slot, id) DO UPDATE SET body = excluded.body, saved_at = excluded.saved_at`,
		id, string(data), sealed.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persistence: upsert snapshot: %w", err)
	}
	return nil
}

func (b *sqlBackend) RestoreSnapshot(id string) (State, error) {
	row := b.db.QueryRow(`SELECT body FROM snapshots WHERE slot = 'named' AND id = ?`, id)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("persistence: scan snapshot: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	return state, nil
}

func (b *sqlBackend) ListSnapshots() ([]string, error) {
	rows, err := b.db.Query(`SELECT id FROM snapshots WHERE slot = 'named' ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list snapshots: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("persistence: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *sqlBackend) DeleteSnapshot(id string) error {
	_, err := b.db.Exec(`DELETE FROM snapshots WHERE slot = 'named' AND id = ?`, id)
	if err != nil {
		return fmt.Errorf("persistence: delete snapshot: %w", err)
	}
	return nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}
