package steprun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestFileListResolvePaths(t *testing.T) {
	fl := &FileList{Paths: []string{"a", "b", "a", "c"}}
	paths, err := fl.Resolve(".")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, paths, "order kept, duplicates dropped")
}

func TestFileListResolvePattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, "one.csv"), ""))
	require.NoError(t, writeFile(filepath.Join(dir, "two.csv"), ""))
	require.NoError(t, writeFile(filepath.Join(dir, "other.txt"), ""))

	fl := &FileList{Pattern: "*.csv"}
	paths, err := fl.Resolve(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	for _, p := range paths {
		assert.Equal(t, ".csv", filepath.Ext(p))
	}
}

func TestFileListResolveRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, writeFile(filepath.Join(dir, "top.csv"), ""))
	require.NoError(t, writeFile(filepath.Join(sub, "deep.csv"), ""))

	flat := &FileList{Pattern: "*.csv"}
	paths, err := flat.Resolve(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 1, "non-recursive resolution stays at the top level")

	deep := &FileList{Pattern: "*.csv", Recursive: true}
	paths, err = deep.Resolve(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestFileListResolveValidation(t *testing.T) {
	_, err := (&FileList{Paths: []string{"a"}, Pattern: "*.go"}).Resolve(".")
	assert.Error(t, err, "paths and pattern are mutually exclusive")

	_, err = (&FileList{}).Resolve(".")
	assert.Error(t, err, "one of paths or pattern is required")
}

func TestSubstituteWork(t *testing.T) {
	w := substituteWork(Command("wc", "-l", FileToken), "data.csv", true)
	assert.Equal(t, []string{"-l", "data.csv"}, w.Args)

	w = substituteWork(Command("cleanup"), "data.csv", true)
	assert.Equal(t, []string{"data.csv"}, w.Args, "path appended when the token is absent")

	w = substituteWork(Script("grep x "+FileToken+" > "+FileToken+".out"), "f", false)
	assert.Equal(t, "grep x f > f.out", w.Script, "every occurrence replaced")

	w = substituteWork(Script("du -s"), "f", true)
	assert.Equal(t, "du -s f", w.Script)

	w = substituteWork(CallableWith("fn", "read "+FileToken), "f", false)
	assert.Equal(t, "read f", w.Arg)

	w = substituteWork(Callable("fn"), "f", true)
	assert.Equal(t, "f", w.Arg, "path becomes the argument when none is set")
}

func TestExpandCreatesSubSteps(t *testing.T) {
	s := NewStep("process", Command("wc", "-l", FileToken),
		WithFiles(&FileList{Paths: []string{"x.csv", "y.csv"}}),
		WithDonetest(MustHook(Command("test", "-s", FileToken+".out"))),
		WithPretest(MustHook(Script("true"))))

	require.NoError(t, expand(s, "."))
	require.Len(t, s.SubSteps, 2)

	first := s.SubSteps[0]
	assert.Equal(t, "process:x.csv", first.Name)
	assert.Equal(t, []string{"-l", "x.csv"}, first.Work.Args)
	assert.Equal(t, StateNotRun, first.State)

	// The donetest references the token, so each child gets its own copy;
	// the pretest does not and stays parent-only.
	require.NotNil(t, first.Donetest)
	assert.Equal(t, []string{"-s", "x.csv.out"}, first.Donetest.Work.Args)
	assert.Nil(t, first.Pretest)
}

func TestExpandEmptyMatchIsConfigError(t *testing.T) {
	s := NewStep("none", Script("true"),
		WithFiles(&FileList{Pattern: "*.nomatch"}))

	err := expand(s, t.TempDir())
	assert.Error(t, err, "a file list matching nothing is a configuration error")
}

func TestExpandedStepRunsSequentially(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, writeFile(a, "1\n"))
	require.NoError(t, writeFile(b, "2\n"))

	p := testPipeline(t)
	_, err := p.AddCommand("copy", "cp", []string{FileToken, FileToken + ".bak"},
		WithFiles(&FileList{Paths: []string{a, b}}))
	require.NoError(t, err)

	require.NoError(t, p.RunAll(context.Background(), RunOptions{}))

	parent, _ := p.Lookup("copy")
	assert.Equal(t, StateDone, parent.State)
	_, err = os.Stat(a + ".bak")
	assert.NoError(t, err)
	_, err = os.Stat(b + ".bak")
	assert.NoError(t, err)
}

func TestExpandedStepHaltsOnChildFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	require.NoError(t, writeFile(good, ""))

	p := testPipeline(t)
	_, err := p.AddCommand("verify", "test", []string{"-f", FileToken},
		WithFiles(&FileList{Paths: []string{filepath.Join(dir, "absent"), good}}))
	require.NoError(t, err)

	err = p.RunAll(context.Background(), RunOptions{})
	require.Error(t, err)

	parent, _ := p.Lookup("verify")
	assert.Equal(t, StateFailed, parent.State)
	assert.Equal(t, StateFailed, parent.SubSteps[0].State)
	assert.Equal(t, StateNotRun, parent.SubSteps[1].State, "sequential child run halts at the failure")
}
