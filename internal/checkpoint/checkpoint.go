package checkpoint

// ============================================================================
// Scheduler checkpoint - point-in-time flow progress
// Responsibilities:
// 1. Persist which flows are loaded and which logical nodes they finished
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Validate schema version and shape on load
// 4. Record the journal position so replay can skip already-absorbed records
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// SchemaVersion is the checkpoint format this build reads and writes.
const SchemaVersion = 1

var (
	// ErrCorrupted marks a checkpoint file that cannot be parsed.
	ErrCorrupted = errors.New("checkpoint corrupted")

	// ErrIncompatibleVersion marks a checkpoint from a different schema.
	ErrIncompatibleVersion = errors.New("incompatible checkpoint version")
)

// FlowRecord is the persisted progress of one flow.
type FlowRecord struct {
	Name     string `json:"name"`
	Source   string `json:"source,omitempty"` // flow definition pathname, empty for programmatic submissions
	Finished []int  `json:"finished"`         // orders of completed logical nodes
	Failed   bool   `json:"failed"`
}

// Data is the full checkpoint payload.
type Data struct {
	SchemaVer int          `json:"schema_ver"`
	LastSeq   uint64       `json:"last_seq"` // journal position at checkpoint time
	Flows     []FlowRecord `json:"flows"`
}

// Manager reads and writes the checkpoint file at a fixed path.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager returns a manager for the checkpoint at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write persists data atomically. A temp file is written next to the target
// and renamed over it, so readers only ever see a complete checkpoint.
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. A missing file is not an error and yields an
// empty checkpoint at the current schema version.
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Data{SchemaVer: SchemaVersion}, nil
	}
	if err != nil {
		return Data{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d",
			ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Flows == nil {
		data.Flows = []FlowRecord{}
	}
	return data, nil
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string {
	return m.path
}
