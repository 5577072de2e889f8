package steprun

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
)

// outcome is what a worker reports back to the dispatch loop.
type outcome struct {
	name string
	err  error
}

func defaultWorkers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// RunParallel executes the pipeline with a bounded worker pool. A step is
// dispatched once every one of its dependencies is Done; among
// simultaneously eligible steps dispatch follows insertion order, but
// completion order of independent steps is unspecified. On the first
// failure no further steps are dispatched; steps already running drain,
// and everything downstream of the failure is left untouched.
func (p *Pipeline) RunParallel(ctx context.Context, opts RunOptions) error {
	// Surface unknown dependencies and cycles before dispatching anything.
	if _, err := p.topoOrder(); err != nil {
		return err
	}

	workers := defaultWorkers(opts.Workers)
	runID := uuid.NewString()
	p.logger.Info("parallel run %s: %d workers", runID, workers)

	done := make(chan outcome)
	dispatched := make(map[string]bool)
	running := 0
	halted := false
	var firstErr error

	for {
		if !halted {
			for _, s := range p.eligible(dispatched, opts.Force) {
				if running >= workers {
					break
				}
				dispatched[s.Name] = true
				running++
				go func(s *Step) {
					done <- outcome{name: s.Name, err: p.runStep(ctx, s, opts.Force, runID)}
				}(s)
			}
		}
		if running == 0 {
			break
		}

		out := <-done
		running--
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			if !halted {
				p.logger.Error("step %s failed, draining in-flight work", out.name)
				halted = true
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if blocked := p.blocked(); len(blocked) > 0 {
		return fmt.Errorf("%w: %v", ErrBlocked, blocked)
	}
	p.logger.Info("parallel run %s complete", runID)
	return nil
}

// eligible returns not-yet-dispatched steps whose dependency sets are fully
// Done, in insertion order. Under force, a dependency counts only after it
// has itself been re-dispatched and finished, so stale Done states from a
// previous run do not release dependents early.
func (p *Pipeline) eligible(dispatched map[string]bool, force bool) []*Step {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Step
	for _, name := range p.order {
		s := p.steps[name]
		if dispatched[name] {
			continue
		}
		if s.State == StateDone && !force {
			continue
		}
		ready := true
		for _, dep := range s.Depends {
			if p.steps[dep].State != StateDone || (force && !dispatched[dep]) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// blocked returns the names of steps that never reached terminal success
// because a dependency did not, e.g. a dependency that failed in an
// earlier run and was not repaired.
func (p *Pipeline) blocked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, name := range p.order {
		if p.steps[name].State != StateDone {
			out = append(out, name)
		}
	}
	return out
}

// RunSubSteps runs the sub-steps of an expanded step under its own bounded
// worker pool, independent of the pipeline-level pool. Sub-steps have no
// dependencies among themselves, so all are eligible immediately and only
// the worker count limits concurrency.
func (p *Pipeline) RunSubSteps(ctx context.Context, name string, opts RunOptions) error {
	s, err := p.Lookup(name)
	if err != nil {
		return err
	}
	if !s.Expanded() {
		return &ConfigError{Step: name, Err: fmt.Errorf("step has no sub-steps")}
	}

	if s.Pretest != nil && !s.Pretest.needsFile() {
		ok, _, err := s.Pretest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("pretest for step %q: %w", name, err)
		}
		if !ok {
			return &PretestError{Step: name}
		}
	}
	if s.Donetest != nil && !opts.Force && !s.Donetest.needsFile() {
		ok, res, err := s.Donetest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("donetest for step %q: %w", name, err)
		}
		if ok {
			p.mu.Lock()
			s.Result = &res
			s.State = StateDone
			saveErr := p.saveLocked()
			p.mu.Unlock()
			return saveErr
		}
	}

	p.mu.Lock()
	s.State = StateRunning
	if err := p.saveLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	pending := make([]*Step, 0, len(s.SubSteps))
	for _, sub := range s.SubSteps {
		if sub.State == StateDone && !opts.Force {
			continue
		}
		pending = append(pending, sub)
	}
	p.mu.Unlock()

	workers := defaultWorkers(opts.Workers)
	runID := uuid.NewString()
	done := make(chan outcome)
	running := 0
	next := 0
	halted := false
	var firstErr error

	for {
		for !halted && next < len(pending) && running < workers {
			sub := pending[next]
			next++
			running++
			go func(sub *Step) {
				done <- outcome{name: sub.Name, err: p.runStep(ctx, sub, opts.Force, runID)}
			}(sub)
		}
		if running == 0 {
			break
		}
		out := <-done
		running--
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			halted = true
		}
	}

	return p.finishExpanded(s, firstErr)
}
