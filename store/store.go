// Package store provides durable snapshot persistence for pipelines.
//
// A pipeline is serialized as a single versioned Snapshot after every
// state-changing transition. Snapshots round-trip every step field,
// including results and timestamps with sub-second precision, so a
// controller restarted after a crash resumes exactly where it stopped.
// Unknown snapshot versions and undecodable payloads are rejected rather
// than deserialized best-effort.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotVersion is the current snapshot schema version. Loading rejects
// any other version.
const SnapshotVersion = 1

var (
	// ErrVersionMismatch indicates a snapshot written with an unsupported
	// schema version.
	ErrVersionMismatch = errors.New("unsupported snapshot version")
	// ErrCorrupt indicates a snapshot that exists but cannot be decoded.
	ErrCorrupt = errors.New("snapshot is corrupt")
)

// Snapshot is the complete serialized view of a pipeline.
type Snapshot struct {
	Version  int          `json:"version"`
	Pipeline string       `json:"pipeline"`
	Root     string       `json:"root,omitempty"`
	SavedAt  time.Time    `json:"saved_at"`
	Steps    []StepRecord `json:"steps"`
}

// WorkRecord is the serialized form of a unit of work. Callables are
// recorded by registered name only.
type WorkRecord struct {
	Kind     string   `json:"kind"`
	Path     string   `json:"path,omitempty"`
	Args     []string `json:"args,omitempty"`
	Script   string   `json:"script,omitempty"`
	Callable string   `json:"callable,omitempty"`
	Arg      any      `json:"arg,omitempty"`
}

// HookRecord is the serialized form of a pretest or donetest hook.
type HookRecord struct {
	Work WorkRecord `json:"work"`
}

// ResultRecord is the serialized outcome of one execution attempt.
// Timestamps marshal as RFC 3339 with nanosecond precision.
type ResultRecord struct {
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Code      int       `json:"code"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	RunID     string    `json:"run_id,omitempty"`
}

// FileListRecord is the serialized form of a file-list specification.
type FileListRecord struct {
	Paths     []string `json:"paths,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Recursive bool     `json:"recursive,omitempty"`
}

// StepRecord is the serialized form of one step, sub-steps included.
type StepRecord struct {
	Name     string          `json:"name"`
	Work     WorkRecord      `json:"work"`
	Depends  []string        `json:"depends,omitempty"`
	Pretest  *HookRecord     `json:"pretest,omitempty"`
	Donetest *HookRecord     `json:"donetest,omitempty"`
	State    string          `json:"state"`
	Result   *ResultRecord   `json:"result,omitempty"`
	Comment  string          `json:"comment,omitempty"`
	FileList *FileListRecord `json:"file_list,omitempty"`
	SubSteps []StepRecord    `json:"sub_steps,omitempty"`
}

// Store is the durable snapshot backend. Save replaces the previous
// snapshot atomically; Load reconstructs the most recent one. Exists
// distinguishes a fresh pipeline from a resumable one.
type Store interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error)
	Exists() bool
	Close() error
}

// FileStore persists snapshots as a single JSON file, written via a
// temporary file and rename so readers never observe a partial write.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path. The file is created on
// first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

// Exists implements Store.
func (s *FileStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Save implements Store.
func (s *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// Close implements Store. File stores hold no resources between saves.
func (s *FileStore) Close() error { return nil }

// decodeSnapshot decodes and version-checks a snapshot payload.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, snap.Version, SnapshotVersion)
	}
	return &snap, nil
}
