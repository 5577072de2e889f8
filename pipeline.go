package steprun

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"github.com/steprun/steprun/store"
)

// Pipeline is an ordered, name-keyed collection of steps backed by a
// durable store. It owns the dependency graph, both execution strategies,
// and the persistence lifecycle: the snapshot is rewritten after every
// structural mutation and every state transition, so a crash loses at most
// the in-flight step's result.
//
// All mutation of step state and all writes to the store are serialized
// through a single mutex; step identity and dependency sets are immutable
// after AddStep and may be read without it.
type Pipeline struct {
	// Name is a human-readable identifier recorded in the snapshot.
	Name string

	mu    deadlock.Mutex
	steps map[string]*Step
	order []string

	st      store.Store
	path    string
	root    string
	logger  Logger
	exec    Executor
	metrics *Metrics
}

// WithStore replaces the default file-backed store. The path passed to
// Open is then only used as the pipeline's identity.
func WithStore(st store.Store) Option {
	return func(p *Pipeline) {
		p.st = st
	}
}

// Open creates a pipeline bound to the snapshot at path, or reconstructs
// one if a snapshot already exists there. A snapshot that exists but cannot
// be read or decoded is a fatal error; recorded history is never silently
// discarded. This is the only way to obtain a Pipeline; there is no
// process-wide current pipeline.
func Open(path string, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		Name:   path,
		steps:  make(map[string]*Step),
		path:   path,
		root:   ".",
		logger: NewDefaultLogger(),
		exec:   NewLocalExecutor(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.st == nil {
		p.st = store.NewFileStore(path)
	}

	if p.st.Exists() {
		snap, err := p.st.Load()
		if err != nil {
			return nil, &StoreError{Op: "load", Path: path, Err: err}
		}
		if err := p.restore(snap); err != nil {
			return nil, &StoreError{Op: "load", Path: path, Err: err}
		}
		p.logger.Info("restored pipeline %s: %d steps", p.Name, len(p.order))
		return p, nil
	}

	if err := p.saveLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the underlying store.
func (p *Pipeline) Close() error {
	return p.st.Close()
}

// AddStep adds a step to the pipeline. The name must be unique and every
// dependency must reference a step already present; violations are
// configuration errors and leave the pipeline unchanged. A step with a
// file list is expanded into its sub-steps here. The snapshot is written
// before AddStep returns.
func (p *Pipeline) AddStep(s *Step) error {
	if s.Name == "" {
		return &ConfigError{Err: fmt.Errorf("step name cannot be empty")}
	}
	if s.FileList == nil {
		if err := s.Work.validate(); err != nil {
			return &ConfigError{Step: s.Name, Err: err}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.steps[s.Name]; exists {
		return &ConfigError{Step: s.Name, Err: ErrDuplicateStep}
	}
	for _, dep := range s.Depends {
		if _, ok := p.steps[dep]; !ok {
			return &ConfigError{Step: s.Name, Err: fmt.Errorf("%w: %q", ErrUnknownDependency, dep)}
		}
	}
	if s.FileList != nil && len(s.SubSteps) == 0 {
		if err := expand(s, p.root); err != nil {
			return err
		}
	}
	if s.State == "" {
		s.State = StateNotRun
	}

	p.steps[s.Name] = s
	p.order = append(p.order, s.Name)
	p.logger.Debug("added step %s", s.Name)
	return p.saveLocked()
}

// AddCommand adds an external-command step.
func (p *Pipeline) AddCommand(name, path string, args []string, opts ...StepOption) (*Step, error) {
	s := NewStep(name, Command(path, args...), opts...)
	if err := p.AddStep(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddScript adds a shell-script step.
func (p *Pipeline) AddScript(name, script string, opts ...StepOption) (*Step, error) {
	s := NewStep(name, Script(script), opts...)
	if err := p.AddStep(s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddCallable adds a step backed by a registered callable. The callable
// itself is looked up at execution time, so registration may happen after
// the step is added but must happen before it runs.
func (p *Pipeline) AddCallable(name, callable string, opts ...StepOption) (*Step, error) {
	s := NewStep(name, Callable(callable), opts...)
	if err := p.AddStep(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a step by name and persists the change. Steps that other
// steps depend on cannot be removed.
func (p *Pipeline) Delete(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.steps[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	for _, other := range p.steps {
		for _, dep := range other.Depends {
			if dep == name {
				return &ConfigError{Step: other.Name,
					Err: fmt.Errorf("cannot delete %q: %q depends on it", name, other.Name)}
			}
		}
	}
	delete(p.steps, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return p.saveLocked()
}

// Comment attaches a note to a step and persists it. Semantics of
// overwrite and appendTo follow Step.AddComment; an empty comment with
// overwrite set clears the note.
func (p *Pipeline) Comment(name, comment string, overwrite, appendTo bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.steps[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if comment == "" && overwrite {
		s.DelComment()
	} else if err := s.AddComment(comment, overwrite, appendTo); err != nil {
		return err
	}
	return p.saveLocked()
}

// Lookup returns a step by name.
func (p *Pipeline) Lookup(name string) (*Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s, nil
}

// Steps returns all steps in insertion order.
func (p *Pipeline) Steps() []*Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Step, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.steps[name])
	}
	return out
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// saveLocked writes the current snapshot. Callers must hold p.mu.
func (p *Pipeline) saveLocked() error {
	if err := p.st.Save(p.snapshotLocked()); err != nil {
		return &StoreError{Op: "save", Path: p.path, Err: err}
	}
	return nil
}

// topoOrder returns the step names in dependency-respecting order with
// insertion order as the tie-break among unordered steps. A dependency on
// an unknown name or a cycle is a configuration error.
func (p *Pipeline) topoOrder() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := make(map[string]int, len(p.order))
	for i, name := range p.order {
		index[name] = i
	}

	indegree := make(map[string]int, len(p.order))
	dependents := make(map[string][]string)
	for _, name := range p.order {
		s := p.steps[name]
		indegree[name] = 0
		for _, dep := range s.Depends {
			if _, ok := p.steps[dep]; !ok {
				return nil, &ConfigError{Step: name, Err: fmt.Errorf("%w: %q", ErrUnknownDependency, dep)}
			}
		}
	}
	for _, name := range p.order {
		for _, dep := range p.steps[name].Depends {
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
	}

	order := make([]string, 0, len(p.order))
	for len(order) < len(p.order) {
		// Pick the lowest-insertion-index step with no remaining
		// dependencies; deterministic Kahn's algorithm.
		next := ""
		nextIdx := -1
		for name, deg := range indegree {
			if deg != 0 {
				continue
			}
			if nextIdx == -1 || index[name] < nextIdx {
				next = name
				nextIdx = index[name]
			}
		}
		if nextIdx == -1 {
			remaining := make([]string, 0)
			for name, deg := range indegree {
				if deg > 0 {
					remaining = append(remaining, name)
				}
			}
			return nil, &ConfigError{Err: fmt.Errorf("%w: %v", ErrCyclicDependency, remaining)}
		}
		order = append(order, next)
		delete(indegree, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
	}
	return order, nil
}

// RunAll executes every step sequentially in dependency-respecting order,
// resuming after the last completed step: steps already Done are skipped
// (their donetest is re-checked first unless SkipDoneCheck is set) and
// Force reruns everything. The first step failure halts the run; steps
// after the failure point are left untouched. A pretest returning false
// halts the run with a PretestError, which is distinct from a StepError.
func (p *Pipeline) RunAll(ctx context.Context, opts RunOptions) error {
	order, err := p.topoOrder()
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	p.logger.Info("sequential run %s: %d steps", runID, len(order))

	for _, name := range order {
		p.mu.Lock()
		s := p.steps[name]
		p.mu.Unlock()

		if s.State == StateDone && !opts.Force {
			if s.Donetest != nil && !opts.SkipDoneCheck && !s.Donetest.needsFile() {
				ok, _, err := s.Donetest.Evaluate(ctx, p.exec)
				if err != nil {
					return fmt.Errorf("donetest for step %q: %w", name, err)
				}
				if ok {
					p.logger.Debug("step %s still done, skipping", name)
					continue
				}
				// Completion no longer holds; fall through and rerun.
				p.logger.Warn("step %s marked done but donetest now false, rerunning", name)
			} else {
				continue
			}
		}

		if err := p.runStep(ctx, s, opts.Force, runID); err != nil {
			return err
		}
	}
	p.logger.Info("sequential run %s complete", runID)
	return nil
}

// Run executes a single step by name, or when name is empty the first step
// not in terminal success, honoring the full run protocol.
func (p *Pipeline) Run(ctx context.Context, name string) error {
	var s *Step

	p.mu.Lock()
	if name == "" {
		for _, n := range p.order {
			if p.steps[n].State != StateDone {
				s = p.steps[n]
				break
			}
		}
	} else {
		s = p.steps[name]
	}
	p.mu.Unlock()

	if s == nil {
		if name == "" {
			p.logger.Warn("all steps already complete, nothing to run")
			return nil
		}
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p.runStep(ctx, s, false, uuid.NewString())
}

// Rerun re-enters a terminal step into the run protocol. A step already
// Done requires force unless its donetest, re-evaluated, now returns
// false. The previous result is overwritten, not appended to.
func (p *Pipeline) Rerun(ctx context.Context, name string, force bool) error {
	s, err := p.Lookup(name)
	if err != nil {
		return err
	}
	if s.State == StateDone && !force {
		if s.Donetest == nil || s.Donetest.needsFile() {
			return fmt.Errorf("step %q is done; pass force to rerun", name)
		}
		ok, _, err := s.Donetest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("donetest for step %q: %w", name, err)
		}
		if ok {
			return fmt.Errorf("step %q is done and its donetest still passes; pass force to rerun", name)
		}
	}
	return p.runStep(ctx, s, true, uuid.NewString())
}

// Check evaluates a step's donetest outside the run protocol and marks the
// step Done if it passes, recording the evaluation as the step's result.
// This is the escape hatch for pipelines whose controller died mid-step
// but whose side effects completed: the work itself is bypassed entirely.
// With failOnError, a donetest that returns false marks the step Failed.
func (p *Pipeline) Check(ctx context.Context, name string, failOnError bool) error {
	s, err := p.Lookup(name)
	if err != nil {
		return err
	}
	if s.Donetest == nil || s.Donetest.needsFile() {
		return nil
	}

	ok, res, err := s.Donetest.Evaluate(ctx, p.exec)
	if err != nil {
		return fmt.Errorf("donetest for step %q: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		s.Result = &res
		s.State = StateDone
		p.logger.Info("step %s marked done by donetest", name)
	} else if failOnError {
		s.Result = &res
		s.State = StateFailed
	}
	return p.saveLocked()
}

// CheckAll runs Check on every step in insertion order.
func (p *Pipeline) CheckAll(ctx context.Context, failOnError bool) error {
	p.mu.Lock()
	names := append([]string{}, p.order...)
	p.mu.Unlock()

	for _, name := range names {
		if err := p.Check(ctx, name, failOnError); err != nil {
			return err
		}
	}
	return nil
}

// runStep drives one step through the run protocol: pretest gate, donetest
// skip, execution, donetest validation, terminal state. The snapshot is
// written after every transition; the unit of work runs outside the lock.
func (p *Pipeline) runStep(ctx context.Context, s *Step, force bool, runID string) error {
	if s.Expanded() {
		return p.runExpanded(ctx, s, force, runID)
	}
	if s.Work.IsZero() {
		return &ConfigError{Step: s.Name, Err: ErrNoWork}
	}

	// 1. Pretest gate. False is a hard stop for the whole run.
	if s.Pretest != nil && !s.Pretest.needsFile() {
		ok, _, err := s.Pretest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("pretest for step %q: %w", s.Name, err)
		}
		if !ok {
			p.logger.Error("pretest for step %s failed, halting run", s.Name)
			return &PretestError{Step: s.Name}
		}
	}

	// 2. Donetest skip: already-satisfied work is not repeated.
	if s.Donetest != nil && !force && !s.Donetest.needsFile() {
		ok, res, err := s.Donetest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("donetest for step %q: %w", s.Name, err)
		}
		if ok {
			res.RunID = runID
			p.mu.Lock()
			s.Result = &res
			s.State = StateDone
			saveErr := p.saveLocked()
			p.mu.Unlock()
			p.logger.Info("step %s already done, skipping execution", s.Name)
			return saveErr
		}
	}

	// 3. Execute.
	p.mu.Lock()
	s.State = StateRunning
	if err := p.saveLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	p.logger.Info("running step %s (run %s)", s.Name, runID)
	res, execErr := p.exec.Exec(ctx, s.Work)
	res.RunID = runID

	p.mu.Lock()
	s.Result = &res
	failed := execErr != nil || res.Code != 0
	if failed {
		s.State = StateFailed
		saveErr := p.saveLocked()
		p.mu.Unlock()
		p.observe(s, StateFailed)
		if saveErr != nil {
			return saveErr
		}
		if execErr == nil {
			execErr = fmt.Errorf("exit code %d", res.Code)
		}
		p.logger.Error("step %s failed: %v", s.Name, execErr)
		return &StepError{Step: s.Name, Phase: PhaseExecution, Err: execErr}
	}
	p.mu.Unlock()

	// 4. Donetest validation: false overrides apparent success.
	if s.Donetest != nil && !s.Donetest.needsFile() {
		ok, _, err := s.Donetest.Evaluate(ctx, p.exec)
		if err != nil || !ok {
			p.mu.Lock()
			s.State = StateFailed
			saveErr := p.saveLocked()
			p.mu.Unlock()
			p.observe(s, StateFailed)
			if saveErr != nil {
				return saveErr
			}
			p.logger.Error("step %s executed but donetest rejected it", s.Name)
			return &StepError{Step: s.Name, Phase: PhaseDonetest, Err: err}
		}
	}

	p.mu.Lock()
	s.State = StateDone
	saveErr := p.saveLocked()
	p.mu.Unlock()
	p.observe(s, StateDone)
	if saveErr != nil {
		return saveErr
	}
	p.logger.Info("step %s done in %s", s.Name, res.Duration())
	return nil
}

// runExpanded runs a file-list step: parent-level hooks first, then every
// sub-step sequentially, then aggregation. Children have no dependencies
// among themselves.
func (p *Pipeline) runExpanded(ctx context.Context, s *Step, force bool, runID string) error {
	if s.Pretest != nil && !s.Pretest.needsFile() {
		ok, _, err := s.Pretest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("pretest for step %q: %w", s.Name, err)
		}
		if !ok {
			return &PretestError{Step: s.Name}
		}
	}
	if s.Donetest != nil && !force && !s.Donetest.needsFile() {
		ok, res, err := s.Donetest.Evaluate(ctx, p.exec)
		if err != nil {
			return fmt.Errorf("donetest for step %q: %w", s.Name, err)
		}
		if ok {
			res.RunID = runID
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
	p.mu.Unlock()

	var failure error
	for _, sub := range s.SubSteps {
		if sub.State == StateDone && !force {
			continue
		}
		if err := sub.failIfUnrunnable(); err != nil {
			failure = err
			break
		}
		if err := p.runStep(ctx, sub, force, runID); err != nil {
			failure = err
			break
		}
	}
	return p.finishExpanded(s, failure)
}

// finishExpanded aggregates child states into the parent, persists, and
// reports the run's failure if any.
func (p *Pipeline) finishExpanded(s *Step, failure error) error {
	p.mu.Lock()
	s.aggregate()
	saveErr := p.saveLocked()
	p.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}
	if failure != nil {
		return failure
	}
	if s.State != StateDone {
		return &StepError{Step: s.Name, Phase: PhaseExecution,
			Err: fmt.Errorf("not all sub-steps completed")}
	}
	return nil
}

// failIfUnrunnable guards a sub-step that has no work after substitution.
func (s *Step) failIfUnrunnable() error {
	if s.Work.IsZero() {
		return &ConfigError{Step: s.Name, Err: ErrNoWork}
	}
	return nil
}

// String renders the pipeline as a short status table.
func (p *Pipeline) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString("Pipeline: " + p.Name + "\n")
	if len(p.order) == 0 {
		b.WriteString("No steps assigned")
		return b.String()
	}

	width := 4
	for _, name := range p.order {
		if len(name) > width {
			width = len(name)
		}
	}
	fmt.Fprintf(&b, "%-7s%-*s  %s\n", "Step", width, "Name", "Status")
	for i, name := range p.order {
		fmt.Fprintf(&b, "%-7d%-*s  %s\n", i, width, name, strings.ToUpper(string(p.steps[name].State)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Table writes a tab-delimited stats table, one row per step.
func (p *Pipeline) Table(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintln(w, "#\tStep\tState\tDepends\tWork\tCode\tRuntime"); err != nil {
		return err
	}
	for i, name := range p.order {
		s := p.steps[name]
		code := ""
		runtime := ""
		if s.Result != nil {
			code = fmt.Sprintf("%d", s.Result.Code)
			runtime = s.Result.Duration().String()
		}
		_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i, s.Name, s.State, strings.Join(s.Depends, ","), s.Work.String(), code, runtime)
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a detailed multi-line report of the pipeline and each
// step, optionally including captured outputs and per-child details.
func (p *Pipeline) Stats(includeOutputs bool) string {
	header := p.String()

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\nIndividual step stats:")
	for _, s := range p.Steps() {
		b.WriteString("\n\n")
		if includeOutputs {
			b.WriteString(s.Details())
		} else {
			b.WriteString(s.Summary())
		}
	}
	return b.String()
}
