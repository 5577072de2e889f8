package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	now := time.Now().Truncate(time.Millisecond)
	return &Snapshot{
		Version:  SnapshotVersion,
		Pipeline: "sample",
		Root:     ".",
		SavedAt:  now,
		Steps: []StepRecord{
			{
				Name:  "fetch",
				Work:  WorkRecord{Kind: "command", Path: "git", Args: []string{"pull"}},
				State: "done",
				Result: &ResultRecord{
					Stdout:    "Already up to date.",
					Code:      0,
					StartTime: now,
					EndTime:   now.Add(120 * time.Millisecond),
					RunID:     "run-1",
				},
			},
			{
				Name:     "build",
				Work:     WorkRecord{Kind: "script", Script: "make all"},
				Depends:  []string{"fetch"},
				Donetest: &HookRecord{Work: WorkRecord{Kind: "command", Path: "test", Args: []string{"-f", "out"}}},
				State:    "not_run",
			},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.json")
	fs := NewFileStore(path)

	assert.False(t, fs.Exists())
	require.NoError(t, fs.Save(sampleSnapshot()))
	assert.True(t, fs.Exists())

	got, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, "sample", got.Pipeline)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "done", got.Steps[0].State)
	assert.Equal(t, "run-1", got.Steps[0].Result.RunID)
	assert.True(t, got.Steps[0].Result.EndTime.Sub(got.Steps[0].Result.StartTime) == 120*time.Millisecond,
		"timestamps keep sub-second precision")
	assert.Equal(t, []string{"fetch"}, got.Steps[1].Depends)
}

func TestFileStoreSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(filepath.Join(dir, "pipe.json"))

	require.NoError(t, fs.Save(sampleSnapshot()))
	snap := sampleSnapshot()
	snap.Steps[1].State = "done"
	require.NoError(t, fs.Save(snap))

	got, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, "done", got.Steps[1].State)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreLoadRejectsCorruptPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := NewFileStore(path).Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreLoadRejectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "pipeline": "x"}`), 0o644))

	_, err := NewFileStore(path).Load()
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestSnapshotSchema(t *testing.T) {
	schema, err := SnapshotSchema()
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "version")
	assert.Contains(t, props, "steps")
}

func TestValidateSnapshotBytes(t *testing.T) {
	assert.Error(t, ValidateSnapshotBytes([]byte("nope")))
	assert.Error(t, ValidateSnapshotBytes([]byte(`{"version": 2}`)))
	assert.NoError(t, ValidateSnapshotBytes([]byte(`{"version": 1, "pipeline": "p", "saved_at": "2026-01-01T00:00:00Z", "steps": []}`)))
}
