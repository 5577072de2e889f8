package steprun

import (
	"context"
	"time"
)

// State is the lifecycle state of a step.
type State string

const (
	// StateNotRun means the step has not been attempted yet.
	StateNotRun State = "not_run"
	// StateRunning means the step's unit of work is currently executing.
	StateRunning State = "running"
	// StateDone means the step reached terminal success.
	StateDone State = "done"
	// StateFailed means the step reached terminal failure.
	StateFailed State = "failed"
)

// Terminal reports whether the state is a terminal one.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Result records the outcome of one execution attempt of a unit of work.
// It is overwritten on rerun; history is not appended.
type Result struct {
	// Stdout is the captured standard output, or the rendered return value
	// for a callable.
	Stdout string `json:"stdout"`
	// Stderr is the captured standard error. Empty for callables.
	Stderr string `json:"stderr"`
	// Code is the process exit code, or 0/1 for a callable that
	// succeeded/failed.
	Code int `json:"code"`
	// StartTime and EndTime bracket the execution with sub-second precision.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// RunID identifies the run attempt that produced this result.
	RunID string `json:"run_id,omitempty"`
}

// Duration returns the wall-clock time the execution took.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Executor is the collaborator contract for executing a unit of work
// synchronously and capturing its output. The engine does not construct
// processes itself; it hands a Work descriptor to an Executor and receives
// a Result back.
//
// Failure semantics differ by variant: for command and script work only a
// non-zero exit code is failure and err is reserved for infrastructure
// problems (e.g. the process could not be started); for callable work a
// returned error is the failure signal, reported via err with Result.Code
// set to 1.
type Executor interface {
	Exec(ctx context.Context, w Work) (Result, error)
}

// Logger provides a simple interface for pipeline logging.
type Logger interface {
	// Debug logs a message at debug level
	Debug(format string, args ...interface{})

	// Info logs a message at info level
	Info(format string, args ...interface{})

	// Warn logs a message at warning level
	Warn(format string, args ...interface{})

	// Error logs a message at error level
	Error(format string, args ...interface{})
}

// RunOptions controls a sequential or parallel run of a pipeline.
type RunOptions struct {
	// Workers bounds the worker pool for parallel runs. Zero or negative
	// means the host's available parallelism.
	Workers int

	// Force reruns steps even when they are already Done or their donetest
	// reports completion.
	Force bool

	// SkipDoneCheck suppresses re-evaluating donetests of steps already
	// marked Done at the start of a sequential run.
	SkipDoneCheck bool
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithExecutor replaces the default local executor.
func WithExecutor(exec Executor) Option {
	return func(p *Pipeline) {
		p.exec = exec
	}
}

// WithRoot sets the root directory against which file-list patterns are
// resolved. Defaults to the current working directory.
func WithRoot(dir string) Option {
	return func(p *Pipeline) {
		p.root = dir
	}
}

// WithMetrics attaches a Metrics collector; every completed step execution
// is observed on it.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}
