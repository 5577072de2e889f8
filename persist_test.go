package steprun

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steprun/steprun/store"
)

func TestSnapshotRoundTrip(t *testing.T) {
	p := testPipeline(t)
	p.Name = "roundtrip"

	_, err := p.AddCommand("fetch", "git", []string{"pull"},
		WithPretest(MustHook(Script("test -d .git"))))
	require.NoError(t, err)
	_, err = p.AddScript("build", "make all", DependsOn("fetch"),
		WithDonetest(MustHook(Command("test", "-f", "out.bin"))))
	require.NoError(t, err)
	_, err = p.AddCallable("notify", "persist-notify", DependsOn("build"))
	require.NoError(t, err)

	now := time.Now().Truncate(time.Millisecond)
	build, _ := p.Lookup("build")
	build.State = StateDone
	build.Result = &Result{
		Stdout:    "built",
		Stderr:    "warning: old toolchain",
		Code:      0,
		StartTime: now,
		EndTime:   now.Add(1500 * time.Millisecond),
		RunID:     "run-1",
	}
	build.Comment = "see release notes"

	p.mu.Lock()
	snap := p.snapshotLocked()
	p.mu.Unlock()
	assert.Equal(t, store.SnapshotVersion, snap.Version)

	restored := &Pipeline{steps: make(map[string]*Step)}
	require.NoError(t, restored.restore(snap))

	assert.Equal(t, "roundtrip", restored.Name)
	assert.Equal(t, []string{"fetch", "build", "notify"}, restored.order)

	rb := restored.steps["build"]
	assert.Equal(t, StateDone, rb.State)
	assert.Equal(t, []string{"fetch"}, rb.Depends)
	assert.Equal(t, "see release notes", rb.Comment)
	require.NotNil(t, rb.Result)
	assert.Equal(t, "built", rb.Result.Stdout)
	assert.Equal(t, "warning: old toolchain", rb.Result.Stderr)
	assert.Equal(t, "run-1", rb.Result.RunID)
	assert.Equal(t, 1500*time.Millisecond, rb.Result.Duration())
	require.NotNil(t, rb.Donetest)
	assert.Equal(t, []string{"-f", "out.bin"}, rb.Donetest.Work.Args)

	rn := restored.steps["notify"]
	assert.Equal(t, WorkCallable, rn.Work.Kind)
	assert.Equal(t, "persist-notify", rn.Work.Callable, "callables persist by name only")
}

func TestSnapshotRoundTripSubSteps(t *testing.T) {
	s := NewStep("fan", Command("wc", "-l", FileToken),
		WithFiles(&FileList{Paths: []string{"a", "b"}}))
	require.NoError(t, expand(s, "."))
	s.SubSteps[0].State = StateDone
	s.SubSteps[0].Result = &Result{Stdout: "3 a", Code: 0}

	rec := stepToRecord(s)
	back, err := stepFromRecord(rec)
	require.NoError(t, err)

	require.Len(t, back.SubSteps, 2)
	assert.Equal(t, "fan:a", back.SubSteps[0].Name)
	assert.Equal(t, StateDone, back.SubSteps[0].State)
	assert.Equal(t, "3 a", back.SubSteps[0].Result.Stdout)
	assert.Equal(t, StateNotRun, back.SubSteps[1].State)
	require.NotNil(t, back.FileList)
	assert.Equal(t, []string{"a", "b"}, back.FileList.Paths)
}

func TestStepFromRecordStates(t *testing.T) {
	_, err := stepFromRecord(store.StepRecord{Name: "x", State: "bogus"})
	assert.Error(t, err, "unknown states are rejected, not coerced")

	s, err := stepFromRecord(store.StepRecord{Name: "x", State: ""})
	require.NoError(t, err)
	assert.Equal(t, StateNotRun, s.State)

	s, err = stepFromRecord(store.StepRecord{Name: "x", State: "running"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State, "a step interrupted mid-run restores as running")
}

func TestRestoreRejectsDuplicates(t *testing.T) {
	snap := &store.Snapshot{
		Version:  store.SnapshotVersion,
		Pipeline: "dup",
		Steps: []store.StepRecord{
			{Name: "a", State: "done"},
			{Name: "a", State: "not_run"},
		},
	}
	p := &Pipeline{steps: make(map[string]*Step)}
	assert.Error(t, p.restore(snap))
}

func TestReopenRestoresRunningStepAsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe.json")

	p, err := Open(path)
	require.NoError(t, err)
	_, err = p.AddScript("long", "true")
	require.NoError(t, err)

	// Simulate a crash after the Running transition was persisted.
	p.mu.Lock()
	p.steps["long"].State = StateRunning
	require.NoError(t, p.saveLocked())
	p.mu.Unlock()
	require.NoError(t, p.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	s, err := p2.Lookup("long")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State)

	// A resumed run treats anything not Done as pending and re-runs it.
	require.NoError(t, p2.RunAll(context.Background(), RunOptions{}))
	assert.Equal(t, StateDone, s.State)
}
