package steprun

import (
	"errors"
	"fmt"
	"strings"
)

// Step is the schedulable entity of a pipeline: a named unit of work with
// dependencies, an optional pretest gate and donetest oracle, a lifecycle
// state, and the result of its most recent attempt.
//
// A step created with a FileList has no independent work of its own; its
// effective work is "run all sub-steps" and its state aggregates theirs.
type Step struct {
	// Name is unique within the owning pipeline.
	Name string
	// Work is the unit of work. For an expanded step it is the template the
	// sub-steps substitute the file token into.
	Work Work
	// Depends lists step names that must reach Done before this step is
	// eligible to run. Immutable after the step is added to a pipeline.
	Depends []string
	// Pretest, when present, gates the run: false halts the whole run.
	Pretest *Hook
	// Donetest, when present, is the completion oracle: checked before the
	// run to skip work already done and after the run to validate it.
	Donetest *Hook
	// State is the lifecycle state.
	State State
	// Result is the record of the most recent attempt, nil before the
	// first one. Reruns overwrite it.
	Result *Result
	// Comment is an optional human-readable note.
	Comment string
	// FileList, when present, expands this step into one sub-step per
	// matched path.
	FileList *FileList
	// SubSteps are the expansion products, in resolution order.
	SubSteps []*Step
}

// StepOption configures a step at construction time.
type StepOption func(*Step)

// DependsOn declares the step names that must complete before this one runs.
func DependsOn(names ...string) StepOption {
	return func(s *Step) {
		s.Depends = append(s.Depends, names...)
	}
}

// WithPretest attaches a pretest gate hook.
func WithPretest(h *Hook) StepOption {
	return func(s *Step) {
		s.Pretest = h
	}
}

// WithDonetest attaches a donetest completion oracle.
func WithDonetest(h *Hook) StepOption {
	return func(s *Step) {
		s.Donetest = h
	}
}

// WithFiles attaches a file-list specification; the step will be expanded
// into one sub-step per resolved path when added to a pipeline.
func WithFiles(fl *FileList) StepOption {
	return func(s *Step) {
		s.FileList = fl
	}
}

// NewStep creates a step in the NotRun state.
func NewStep(name string, work Work, opts ...StepOption) *Step {
	s := &Step{
		Name:  name,
		Work:  work,
		State: StateNotRun,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Expanded reports whether the step was created via file-list expansion.
func (s *Step) Expanded() bool {
	return s.FileList != nil
}

// AddComment attaches a note to the step. It fails if a comment already
// exists and neither overwrite nor appendTo is set.
func (s *Step) AddComment(comment string, overwrite, appendTo bool) error {
	if s.Comment != "" && !overwrite && !appendTo {
		return errors.New("comment already exists; pass overwrite or append")
	}
	if s.Comment != "" && appendTo {
		s.Comment = s.Comment + "\n" + comment
		return nil
	}
	s.Comment = comment
	return nil
}

// DelComment removes the step's comment.
func (s *Step) DelComment() {
	s.Comment = ""
}

// aggregate recomputes an expanded step's state from its sub-steps: Done
// only when every child is Done, Failed as soon as any child is.
func (s *Step) aggregate() {
	if len(s.SubSteps) == 0 {
		return
	}
	allDone := true
	anyFailed := false
	for _, sub := range s.SubSteps {
		if sub.State != StateDone {
			allDone = false
		}
		if sub.State == StateFailed {
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		s.State = StateFailed
	case allDone:
		s.State = StateDone
	}
}

// maxSummaryOutput bounds how much captured output the textual views show.
const maxSummaryOutput = 400

// Summary returns a multi-line textual view of the step: state, work,
// hooks, timing, and truncated output.
func (s *Step) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s%s\n", "Step:", s.Name)
	fmt.Fprintf(&b, "%-11s%s\n", "Work:", s.Work.String())
	fmt.Fprintf(&b, "%-11s%s", "State:", strings.ToUpper(string(s.State)))
	if len(s.Depends) > 0 {
		fmt.Fprintf(&b, "\n%-11s%s", "Depends:", strings.Join(s.Depends, ", "))
	}
	if s.FileList != nil {
		fmt.Fprintf(&b, "\n%-11s%d sub-steps", "Files:", len(s.SubSteps))
	}
	if s.Pretest != nil {
		fmt.Fprintf(&b, "\n%-11s%s", "Pretest:", s.Pretest.Work.String())
	}
	if s.Donetest != nil {
		fmt.Fprintf(&b, "\n%-11s%s", "Donetest:", s.Donetest.Work.String())
	}
	if s.Comment != "" {
		fmt.Fprintf(&b, "\n%-11s%s", "Comment:", s.Comment)
	}
	if r := s.Result; r != nil {
		fmt.Fprintf(&b, "\n%-11s%d", "Exit code:", r.Code)
		fmt.Fprintf(&b, "\n%-11s%s", "Ran on:", r.StartTime.Format("2006-01-02 15:04:05.000"))
		fmt.Fprintf(&b, "\n%-11s%s", "Runtime:", r.Duration())
		if r.Stdout != "" {
			fmt.Fprintf(&b, "\n%-11s%s", "Output:", truncate(r.Stdout, maxSummaryOutput))
		}
		if r.Stderr != "" {
			fmt.Fprintf(&b, "\n%-11s%s", "Stderr:", truncate(r.Stderr, maxSummaryOutput))
		}
	}
	return b.String()
}

// Details returns the per-child view of an expanded step: one summary block
// per sub-step. For a plain step it falls back to Summary.
func (s *Step) Details() string {
	if len(s.SubSteps) == 0 {
		return s.Summary()
	}
	parts := make([]string, 0, len(s.SubSteps)+1)
	parts = append(parts, s.Summary())
	for _, sub := range s.SubSteps {
		parts = append(parts, sub.Summary())
	}
	return strings.Join(parts, "\n\n")
}

// String implements fmt.Stringer with the one-line form used in tables.
func (s *Step) String() string {
	return fmt.Sprintf("%s [%s]", s.Name, strings.ToUpper(string(s.State)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
