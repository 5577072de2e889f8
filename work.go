package steprun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// WorkKind discriminates the closed set of unit-of-work variants.
type WorkKind string

const (
	// WorkCommand is an external program with an argument sequence.
	WorkCommand WorkKind = "command"
	// WorkScript is a piece of shell text run via `sh -c`.
	WorkScript WorkKind = "script"
	// WorkCallable is an in-process function registered by name.
	WorkCallable WorkKind = "callable"
)

// Work is a unit of work: one of an external command, a shell script, or a
// registered in-process callable. It is immutable once constructed and
// round-trips through the persistence snapshot; callables are persisted by
// registered name and looked up again at execution time.
type Work struct {
	Kind     WorkKind `json:"kind"`
	Path     string   `json:"path,omitempty"`
	Args     []string `json:"args,omitempty"`
	Script   string   `json:"script,omitempty"`
	Callable string   `json:"callable,omitempty"`
	Arg      any      `json:"arg,omitempty"`
}

// Command builds an external-command unit of work.
func Command(path string, args ...string) Work {
	return Work{Kind: WorkCommand, Path: path, Args: args}
}

// Script builds a shell-script unit of work. The text is executed with
// `sh -c`, so redirection and pipes behave as in a shell.
func Script(text string) Work {
	return Work{Kind: WorkScript, Script: text}
}

// Callable builds a unit of work backed by a callable registered under name.
func Callable(name string) Work {
	return Work{Kind: WorkCallable, Callable: name}
}

// CallableWith builds a callable unit of work carrying a single argument
// value. The value must survive a JSON round trip to be persistable.
func CallableWith(name string, arg any) Work {
	return Work{Kind: WorkCallable, Callable: name, Arg: arg}
}

// IsZero reports whether the work descriptor is empty.
func (w Work) IsZero() bool {
	return w.Kind == ""
}

// String returns a short human-readable description of the work.
func (w Work) String() string {
	switch w.Kind {
	case WorkCommand:
		if len(w.Args) == 0 {
			return w.Path
		}
		return fmt.Sprintf("%s %v", w.Path, w.Args)
	case WorkScript:
		return fmt.Sprintf("sh: %s", w.Script)
	case WorkCallable:
		if w.Arg != nil {
			return fmt.Sprintf("callable %s(%v)", w.Callable, w.Arg)
		}
		return fmt.Sprintf("callable %s()", w.Callable)
	default:
		return "<no work>"
	}
}

// validate checks that the descriptor is well-formed for its kind.
func (w Work) validate() error {
	switch w.Kind {
	case WorkCommand:
		if w.Path == "" {
			return errors.New("command work requires a program path")
		}
	case WorkScript:
		if w.Script == "" {
			return errors.New("script work requires script text")
		}
	case WorkCallable:
		if w.Callable == "" {
			return errors.New("callable work requires a registered name")
		}
	default:
		return fmt.Errorf("unknown work kind %q", w.Kind)
	}
	return nil
}

// localExecutor is the default Executor. It runs commands and scripts as
// local child processes and callables in-process via the registry.
type localExecutor struct{}

// NewLocalExecutor returns the default execute-and-capture collaborator.
func NewLocalExecutor() Executor {
	return localExecutor{}
}

// Exec implements Executor.
func (localExecutor) Exec(ctx context.Context, w Work) (Result, error) {
	switch w.Kind {
	case WorkCommand:
		return runProcess(ctx, exec.CommandContext(ctx, w.Path, w.Args...))
	case WorkScript:
		return runProcess(ctx, exec.CommandContext(ctx, "sh", "-c", w.Script))
	case WorkCallable:
		return runCallable(ctx, w)
	default:
		return Result{}, &ConfigError{Err: fmt.Errorf("unknown work kind %q", w.Kind)}
	}
}

// runProcess runs a prepared command and captures its output. A non-zero
// exit code is recorded in the result but is not an error here; only
// failure to run the process at all is.
func runProcess(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{StartTime: time.Now()}
	err := cmd.Run()
	res.EndTime = time.Now()
	res.Stdout = chomp(stdout.String())
	res.Stderr = chomp(stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", cmd.Path, err)
	}
	res.Code = 0
	return res, nil
}

// runCallable invokes a registered callable. A returned error is the
// failure signal for this variant.
func runCallable(ctx context.Context, w Work) (Result, error) {
	res := Result{StartTime: time.Now()}
	fn, err := LookupCallable(w.Callable)
	if err != nil {
		res.EndTime = time.Now()
		return res, err
	}

	out, err := fn(ctx, w.Arg)
	res.EndTime = time.Now()
	if err != nil {
		res.Code = 1
		res.Stderr = err.Error()
		return res, fmt.Errorf("callable %s: %w", w.Callable, err)
	}
	if out != nil {
		res.Stdout = fmt.Sprintf("%v", out)
	}
	return res, nil
}

// chomp removes a single trailing newline, matching shell capture
// conventions.
func chomp(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}
