package statemachine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSnapshotNotFound is wrapped by Read when no snapshot exists for an
// instance. Callers must treat it as "no prior run".
var ErrSnapshotNotFound = errors.New("snapshot not found")

// PersistenceAdapter is the durable-storage boundary for a machine instance.
// Write stores the full snapshot, WriteEvents appends to the incremental
// event log on every enqueue, and Read restores the full snapshot.
type PersistenceAdapter interface {
	Write(instanceID string, state AllState) error
	WriteEvents(instanceID string, events []Event) error
	Read(instanceID string) (AllState, error)
}

// MemoryPersistence keeps snapshots in memory. Intended for tests and
// single-run workflows that do not need durability.
type MemoryPersistence struct {
	snapshots map[string]AllState
	eventLog  map[string][]Event
	mu        sync.RWMutex
}

// NewMemoryPersistence creates an empty in-memory adapter.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		snapshots: make(map[string]AllState),
		eventLog:  make(map[string][]Event),
	}
}

// Write stores a deep copy of the snapshot.
func (p *MemoryPersistence) Write(instanceID string, state AllState) error {
	var copied AllState
	if err := deepCopy(state, &copied); err != nil {
		return &PersistenceError{Op: "write", InstanceID: instanceID, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[instanceID] = copied
	return nil
}

// WriteEvents appends to the instance's event log.
func (p *MemoryPersistence) WriteEvents(instanceID string, events []Event) error {
	var copied []Event
	if err := deepCopy(events, &copied); err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventLog[instanceID] = append(p.eventLog[instanceID], copied...)
	return nil
}

// Read returns a deep copy of the stored snapshot.
func (p *MemoryPersistence) Read(instanceID string) (AllState, error) {
	p.mu.RLock()
	state, ok := p.snapshots[instanceID]
	p.mu.RUnlock()

	if !ok {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: ErrSnapshotNotFound}
	}

	var copied AllState
	if err := deepCopy(state, &copied); err != nil {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: err}
	}
	return copied, nil
}

// EventLog returns the events appended for an instance, in order.
func (p *MemoryPersistence) EventLog(instanceID string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	log := make([]Event, len(p.eventLog[instanceID]))
	copy(log, p.eventLog[instanceID])
	return log
}

// FilePersistence stores one JSON snapshot file and one JSON event-log file
// per instance under a directory.
type FilePersistence struct {
	directory string
	mu        sync.Mutex
}

// NewFilePersistence creates the directory if needed.
func NewFilePersistence(directory string) (*FilePersistence, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}
	return &FilePersistence{directory: directory}, nil
}

func (p *FilePersistence) snapshotPath(instanceID string) string {
	return filepath.Join(p.directory, instanceID+".json")
}

func (p *FilePersistence) eventLogPath(instanceID string) string {
	return filepath.Join(p.directory, instanceID+".events.json")
}

// Write stores the snapshot as indented JSON.
func (p *FilePersistence) Write(instanceID string, state AllState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write", InstanceID: instanceID, Err: err}
	}
	if err := os.WriteFile(p.snapshotPath(instanceID), data, 0o644); err != nil {
		return &PersistenceError{Op: "write", InstanceID: instanceID, Err: err}
	}
	return nil
}

// WriteEvents appends to the instance's event-log file.
func (p *FilePersistence) WriteEvents(instanceID string, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var log []Event
	data, err := os.ReadFile(p.eventLogPath(instanceID))
	if err == nil {
		if err := json.Unmarshal(data, &log); err != nil {
			return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
		}
	} else if !os.IsNotExist(err) {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}

	log = append(log, events...)
	data, err = json.MarshalIndent(log, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}
	if err := os.WriteFile(p.eventLogPath(instanceID), data, 0o644); err != nil {
		return &PersistenceError{Op: "write_events", InstanceID: instanceID, Err: err}
	}
	return nil
}

// Read restores the snapshot from disk.
func (p *FilePersistence) Read(instanceID string) (AllState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.snapshotPath(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: ErrSnapshotNotFound}
		}
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: err}
	}

	var state AllState
	if err := json.Unmarshal(data, &state); err != nil {
		return AllState{}, &PersistenceError{Op: "read", InstanceID: instanceID, Err: err}
	}
	return state, nil
}

// deepCopy clones v into dst through a JSON round trip. All engine state is
// JSON-serializable, so this is the single copy mechanism for context,
// scratchpad, events and snapshots.
func deepCopy(v interface{}, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
