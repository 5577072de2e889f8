package steprun

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepDefaults(t *testing.T) {
	s := NewStep("build", Script("make"), DependsOn("fetch"))
	assert.Equal(t, StateNotRun, s.State)
	assert.Equal(t, []string{"fetch"}, s.Depends)
	assert.Nil(t, s.Result)
	assert.False(t, s.Expanded())
}

func TestAddComment(t *testing.T) {
	s := NewStep("x", Script("true"))

	require.NoError(t, s.AddComment("first", false, false))
	assert.Equal(t, "first", s.Comment)

	err := s.AddComment("second", false, false)
	assert.Error(t, err, "existing comment needs overwrite or append")

	require.NoError(t, s.AddComment("second", false, true))
	assert.Equal(t, "first\nsecond", s.Comment)

	require.NoError(t, s.AddComment("third", true, false))
	assert.Equal(t, "third", s.Comment)

	s.DelComment()
	assert.Empty(t, s.Comment)
}

func TestAggregate(t *testing.T) {
	parent := &Step{Name: "p", State: StateRunning, SubSteps: []*Step{
		{Name: "p:a", State: StateDone},
		{Name: "p:b", State: StateDone},
	}}
	parent.aggregate()
	assert.Equal(t, StateDone, parent.State)

	parent.SubSteps[1].State = StateFailed
	parent.aggregate()
	assert.Equal(t, StateFailed, parent.State)

	mixed := &Step{Name: "m", State: StateRunning, SubSteps: []*Step{
		{Name: "m:a", State: StateDone},
		{Name: "m:b", State: StateNotRun},
	}}
	mixed.aggregate()
	assert.Equal(t, StateRunning, mixed.State, "incomplete without failure keeps current state")
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateNotRun.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestStepSummary(t *testing.T) {
	start := time.Now()
	s := NewStep("greet", Command("echo", "hi"),
		WithDonetest(MustHook(Script("test -f done"))))
	s.State = StateDone
	s.Result = &Result{
		Stdout:    "hi",
		Code:      0,
		StartTime: start,
		EndTime:   start.Add(50 * time.Millisecond),
	}
	s.Comment = "says hello"

	out := s.Summary()
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, "DONE")
	assert.Contains(t, out, "hi")
	assert.Contains(t, out, "says hello")
	assert.Contains(t, out, "test -f done")
}

func TestStepSummaryTruncatesOutput(t *testing.T) {
	s := NewStep("big", Script("true"))
	s.Result = &Result{Stdout: strings.Repeat("x", 2*maxSummaryOutput)}

	out := s.Summary()
	assert.Contains(t, out, "(truncated)")
	assert.Less(t, len(out), 2*maxSummaryOutput)
}

func TestStepDetailsListsSubSteps(t *testing.T) {
	parent := &Step{Name: "p", State: StateRunning, SubSteps: []*Step{
		{Name: "p:one", Work: Command("wc", "one"), State: StateDone},
		{Name: "p:two", Work: Command("wc", "two"), State: StateNotRun},
	}}

	out := parent.Details()
	assert.Contains(t, out, "p:one")
	assert.Contains(t, out, "p:two")
}
