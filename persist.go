package steprun

import (
	"fmt"
	"time"

	"github.com/steprun/steprun/store"
)

// snapshotLocked serializes the full pipeline into the versioned snapshot
// schema. Callers must hold p.mu.
func (p *Pipeline) snapshotLocked() *store.Snapshot {
	snap := &store.Snapshot{
		Version:  store.SnapshotVersion,
		Pipeline: p.Name,
		Root:     p.root,
		SavedAt:  time.Now(),
		Steps:    make([]store.StepRecord, 0, len(p.order)),
	}
	for _, name := range p.order {
		snap.Steps = append(snap.Steps, stepToRecord(p.steps[name]))
	}
	return snap
}

// restore rebuilds the pipeline's step collection from a loaded snapshot.
// Callables come back as registered names only; they are looked up again at
// execution time, so restoring never requires the registry to be populated.
func (p *Pipeline) restore(snap *store.Snapshot) error {
	if snap.Pipeline != "" {
		p.Name = snap.Pipeline
	}
	if snap.Root != "" {
		p.root = snap.Root
	}
	for _, r := range snap.Steps {
		if _, exists := p.steps[r.Name]; exists {
			return fmt.Errorf("snapshot contains duplicate step %q", r.Name)
		}
		s, err := stepFromRecord(r)
		if err != nil {
			return err
		}
		p.steps[s.Name] = s
		p.order = append(p.order, s.Name)
	}
	return nil
}

func workToRecord(w Work) store.WorkRecord {
	return store.WorkRecord{
		Kind:     string(w.Kind),
		Path:     w.Path,
		Args:     w.Args,
		Script:   w.Script,
		Callable: w.Callable,
		Arg:      w.Arg,
	}
}

func workFromRecord(r store.WorkRecord) Work {
	return Work{
		Kind:     WorkKind(r.Kind),
		Path:     r.Path,
		Args:     r.Args,
		Script:   r.Script,
		Callable: r.Callable,
		Arg:      r.Arg,
	}
}

func hookToRecord(h *Hook) *store.HookRecord {
	if h == nil {
		return nil
	}
	return &store.HookRecord{Work: workToRecord(h.Work)}
}

func hookFromRecord(r *store.HookRecord) *Hook {
	if r == nil {
		return nil
	}
	return &Hook{Work: workFromRecord(r.Work)}
}

func resultToRecord(res *Result) *store.ResultRecord {
	if res == nil {
		return nil
	}
	return &store.ResultRecord{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Code:      res.Code,
		StartTime: res.StartTime,
		EndTime:   res.EndTime,
		RunID:     res.RunID,
	}
}

func resultFromRecord(r *store.ResultRecord) *Result {
	if r == nil {
		return nil
	}
	return &Result{
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Code:      r.Code,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		RunID:     r.RunID,
	}
}

func stepToRecord(s *Step) store.StepRecord {
	rec := store.StepRecord{
		Name:     s.Name,
		Work:     workToRecord(s.Work),
		Depends:  s.Depends,
		Pretest:  hookToRecord(s.Pretest),
		Donetest: hookToRecord(s.Donetest),
		State:    string(s.State),
		Result:   resultToRecord(s.Result),
		Comment:  s.Comment,
	}
	if s.FileList != nil {
		rec.FileList = &store.FileListRecord{
			Paths:     s.FileList.Paths,
			Pattern:   s.FileList.Pattern,
			Recursive: s.FileList.Recursive,
		}
	}
	for _, sub := range s.SubSteps {
		rec.SubSteps = append(rec.SubSteps, stepToRecord(sub))
	}
	return rec
}

func stepFromRecord(r store.StepRecord) (*Step, error) {
	state := State(r.State)
	switch state {
	case StateNotRun, StateRunning, StateDone, StateFailed:
	case "":
		state = StateNotRun
	default:
		return nil, fmt.Errorf("snapshot step %q has unknown state %q", r.Name, r.State)
	}

	s := &Step{
		Name:     r.Name,
		Work:     workFromRecord(r.Work),
		Depends:  r.Depends,
		Pretest:  hookFromRecord(r.Pretest),
		Donetest: hookFromRecord(r.Donetest),
		State:    state,
		Result:   resultFromRecord(r.Result),
		Comment:  r.Comment,
	}
	if r.FileList != nil {
		s.FileList = &FileList{
			Paths:     r.FileList.Paths,
			Pattern:   r.FileList.Pattern,
			Recursive: r.FileList.Recursive,
		}
	}
	for _, subRec := range r.SubSteps {
		sub, err := stepFromRecord(subRec)
		if err != nil {
			return nil, err
		}
		s.SubSteps = append(s.SubSteps, sub)
	}
	return s, nil
}
