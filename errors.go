package steprun

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap these where a more specific
// cause exists, so errors.Is works across the whole taxonomy.
var (
	// ErrNotFound indicates a step name that is not in the pipeline.
	ErrNotFound = errors.New("step not found")
	// ErrDuplicateStep indicates a step name already in use.
	ErrDuplicateStep = errors.New("step name already exists")
	// ErrUnknownDependency indicates a dependency on a step not yet added.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrCyclicDependency indicates a cycle in the dependency graph.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrHookArity indicates a hook constructed with more than one argument.
	ErrHookArity = errors.New("hook takes at most one argument")
	// ErrHookNotBool indicates a callable hook whose function returned a
	// non-bool value.
	ErrHookNotBool = errors.New("hook callable must return bool")
	// ErrCallableNotRegistered indicates a callable name with no registration.
	ErrCallableNotRegistered = errors.New("callable not registered")
	// ErrNoWork indicates a step with an empty work descriptor.
	ErrNoWork = errors.New("step has no work")
	// ErrBlocked indicates steps that could not run because a dependency
	// never reached terminal success.
	ErrBlocked = errors.New("steps blocked by incomplete dependencies")
)

// Phase identifies where in the run protocol a step failed.
type Phase string

const (
	// PhasePretest is the gate evaluated before execution.
	PhasePretest Phase = "pretest"
	// PhaseExecution is the unit of work itself.
	PhaseExecution Phase = "execution"
	// PhaseDonetest is the completion oracle evaluated after execution.
	PhaseDonetest Phase = "donetest"
)

// ConfigError reports invalid pipeline or step configuration: duplicate
// names, unknown dependencies, cycles, malformed work or hooks. It is
// always detected before any work executes.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("config: step %q: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PretestError reports a pretest gate that returned false. It halts the
// run without marking the step failed; the step was never attempted.
type PretestError struct {
	Step string
}

func (e *PretestError) Error() string {
	return fmt.Sprintf("pretest for step %q returned false", e.Step)
}

// StepError reports a step that was attempted and reached terminal
// failure, with the phase the failure occurred in.
type StepError struct {
	Step  string
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed in %s: %v", e.Step, e.Phase, e.Err)
	}
	return fmt.Sprintf("step %q failed in %s", e.Step, e.Phase)
}

func (e *StepError) Unwrap() error { return e.Err }

// StoreError reports a persistence failure. Op is "save" or "load"; Path
// is the snapshot location.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
