package steprun

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Hook is an optional unit of work whose outcome is coerced to a boolean.
// A hook gates a step when used as a pretest and validates completion when
// used as a donetest.
//
// For a callable hook the registered function must return a bool; any other
// return type is a contract violation. For command and script hooks exit
// code zero means true and anything else means false.
type Hook struct {
	Work Work `json:"work"`
}

// NewHook builds a hook around a unit of work with at most one argument
// value. More than one argument is a configuration error; so is attaching
// an argument to a script hook, which has no argument sequence.
func NewHook(w Work, args ...any) (*Hook, error) {
	if err := w.validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if len(args) > 1 {
		return nil, &ConfigError{Err: fmt.Errorf("%w, got %d", ErrHookArity, len(args))}
	}
	if len(args) == 1 {
		switch w.Kind {
		case WorkCallable:
			w.Arg = args[0]
		case WorkCommand:
			w.Args = append(append([]string{}, w.Args...), fmt.Sprint(args[0]))
		case WorkScript:
			return nil, &ConfigError{Err: fmt.Errorf("%w: script hooks take no argument", ErrHookArity)}
		}
	}
	return &Hook{Work: w}, nil
}

// MustHook is like NewHook but panics on a configuration error. Intended
// for hooks built from literals at startup.
func MustHook(w Work, args ...any) *Hook {
	h, err := NewHook(w, args...)
	if err != nil {
		panic(err)
	}
	return h
}

// Evaluate runs the hook and coerces its outcome to a boolean. The returned
// Result records the evaluation (it becomes the step's result when a hook
// decides the step's fate without executing its work). A callable that
// returns an error evaluates to false; a callable that returns a non-bool
// value is a configuration error.
func (h *Hook) Evaluate(ctx context.Context, exec Executor) (bool, Result, error) {
	if h.Work.Kind == WorkCallable {
		return h.evaluateCallable(ctx)
	}

	res, err := exec.Exec(ctx, h.Work)
	if err != nil {
		return false, res, err
	}
	return res.Code == 0, res, nil
}

func (h *Hook) evaluateCallable(ctx context.Context) (bool, Result, error) {
	res := Result{StartTime: time.Now()}
	fn, err := LookupCallable(h.Work.Callable)
	if err != nil {
		res.EndTime = time.Now()
		return false, res, err
	}

	out, err := fn(ctx, h.Work.Arg)
	res.EndTime = time.Now()
	if err != nil {
		res.Code = 1
		res.Stderr = err.Error()
		return false, res, nil
	}

	ok, isBool := out.(bool)
	if !isBool {
		return false, res, &ConfigError{
			Err: fmt.Errorf("%w: %s returned %T", ErrHookNotBool, h.Work.Callable, out),
		}
	}
	res.Stdout = fmt.Sprintf("%v", ok)
	if !ok {
		res.Code = 1
	}
	return ok, res, nil
}

// needsFile reports whether the hook references the file placeholder token
// and therefore only makes sense on expanded sub-steps, not on the parent.
func (h *Hook) needsFile() bool {
	if h == nil {
		return false
	}
	for _, a := range h.Work.Args {
		if strings.Contains(a, FileToken) {
			return true
		}
	}
	if s, ok := h.Work.Arg.(string); ok && strings.Contains(s, FileToken) {
		return true
	}
	return strings.Contains(h.Work.Script, FileToken)
}

// substituted returns a copy of the hook with every occurrence of the file
// placeholder token replaced by path.
func (h *Hook) substituted(path string) *Hook {
	if h == nil {
		return nil
	}
	return &Hook{Work: substituteWork(h.Work, path, false)}
}
