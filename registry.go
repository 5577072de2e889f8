package steprun

import (
	"context"
	"fmt"
	"sync"
)

// CallableFunc is an in-process unit of work. The argument is nil when the
// callable was constructed without one. A returned error marks the step as
// failed; any returned value is success and is recorded as the step's output.
type CallableFunc func(ctx context.Context, arg any) (any, error)

var (
	callableMu       sync.RWMutex
	callableRegistry = make(map[string]CallableFunc)
)

// RegisterCallable registers a callable under a unique name. Callables are
// persisted by name only, so every callable a pipeline references must be
// registered at application startup before the pipeline is loaded or run.
// It panics if the name is already registered.
func RegisterCallable(name string, fn CallableFunc) {
	callableMu.Lock()
	defer callableMu.Unlock()
	if _, exists := callableRegistry[name]; exists {
		panic(fmt.Sprintf("callable with name '%s' is already registered", name))
	}
	callableRegistry[name] = fn
}

// LookupCallable returns the callable registered under name. It returns a
// configuration error if the name is unknown.
func LookupCallable(name string) (CallableFunc, error) {
	callableMu.RLock()
	defer callableMu.RUnlock()
	fn, ok := callableRegistry[name]
	if !ok {
		return nil, &ConfigError{Err: fmt.Errorf("%w: %q", ErrCallableNotRegistered, name)}
	}
	return fn, nil
}

// unregisterCallable removes a registration. Only used by tests.
func unregisterCallable(name string) {
	callableMu.Lock()
	defer callableMu.Unlock()
	delete(callableRegistry, name)
}
