package statemachine

import (
	"database/sql"
	"encoding/json"
	"time"
)

// SQLPersistence stores snapshots and the incremental event log in two
// tables through database/sql. It is driver-agnostic; callers open the DB
// with whatever driver suits them (the demo binary and tests use sqlite).
type SQLPersistence struct {
	db *sql.DB
}

const sqlPersistenceSchema = `
CREATE TABLE IF NOT EXISTS machine_snapshots (
	instance_id TEXT PRIMARY KEY,
	snapshot    TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS machine_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	event       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machine_events_instance ON machine_events (instance_id);
`

// NewSQLPersistence creates the schema if needed and returns the adapter.
func NewSQLPersistence(db *sql.DB) (*SQLPersistence, error) {
	if _, err := db.Exec(sqlPersistenceSchema); err != nil {
		return nil, &PersistenceError{Op: "init", Err: err}
	}
	return &SQLPersistence{db: db}, nil
}

// Write upserts the instance snapshot.
func (p *SQLPersistence) Write(instanceID string, state AllState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &PersistenceError{Op: "write", InstanceID: instanceID, Err: err}
	}

	_, err = p.db.Exec(
		`INSERT INTO machine_snapshots (instance_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		instanceID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return &PersistenceError{Op: "write", InstanceID: instanceID, Err: err}
	}
	return nil
}

// WriteEvents appends one row per event inside a transaction.
func (p *SQLPersistence) WriteEvents(instanceID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO machine_events (instance_id, event, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
		}
		if _, err := stmt.Exec(instanceID, string(data), now); err != nil {
			return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}
	return nil
}

// Read restores the instance snapshot.
func (p *SQLPersistence) Read(instanceID string) (AllState, error) {
	var data string
	err := p.db.QueryRow(
		`SELECT snapshot FROM machine_snapshots WHERE instance_id = ?`, instanceID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: ErrSnapshotNotFound}
	}
	if err != nil {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: err}
	}

	var state AllState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: err}
	}
	return state, nil
}

// EventLog returns all logged events for an instance in append order.
func (p *SQLPersistence) EventLog(instanceID string) ([]Event, error) {
	rows, err := p.db.Query(
		`SELECT event FROM machine_events WHERE instance_id = ? ORDER BY seq`, instanceID,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "read_events", InstanceID: instanceID, Err: err}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &PersistenceError{Op: "read_events", InstanceID: instanceID, Err: err}
		}
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, &PersistenceError{Op: "read_events", InstanceID: instanceID, Err: err}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read_events", InstanceID: instanceID, Err: err}
	}
	return events, nil
}
