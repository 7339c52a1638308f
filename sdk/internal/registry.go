package internal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ngnhng/durableflow/internal/retry"
)

var (
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
	ErrActivityNotRegistered = errors.New("activity not registered")
	ErrInvalidFunction       = errors.New("invalid function")
	ErrDuplicateRegistration = errors.New("function already registered")
)

type RegistrationError struct {
	FunctionName string
	Cause        error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register function %s: %v", e.FunctionName, e.Cause)
}

func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

type WorkflowRegisterOptions struct {
	// Name overrides the function name the workflow is started by.
	Name string
}

// ActivityRegisterOptions carries the defaults applied when an invocation
// leaves a value unset.
type ActivityRegisterOptions struct {
	Name                string
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration
	RetryPolicy         *RetryPolicy
}

type workflowEntry struct {
	name string
	fn   reflect.Value
}

type activityEntry struct {
	name string
	fn   reflect.Value
	opts ActivityRegisterOptions
}

func newInMemoryRegistry[T any]() *hashMapRegistry[T] {
	return &hashMapRegistry[T]{
		entries: make(map[string]T),
	}
}

type hashMapRegistry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func (m *hashMapRegistry[T]) get(k string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[k]
	return entry, ok
}

func (m *hashMapRegistry[T]) set(k string, v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, k)
	}
	m.entries[k] = v
	return nil
}

func (m *hashMapRegistry[T]) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *hashMapRegistry[T]) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Registry holds the workflows and activities a worker can run.
type Registry struct {
	workflows  *hashMapRegistry[workflowEntry]
	activities *hashMapRegistry[activityEntry]
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  newInMemoryRegistry[workflowEntry](),
		activities: newInMemoryRegistry[activityEntry](),
	}
}

func (r *Registry) RegisterWorkflow(fn any, opts ...WorkflowRegisterOptions) error {
	var o WorkflowRegisterOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	name, err := registeredName(fn, o.Name)
	if err != nil {
		return &RegistrationError{FunctionName: o.Name, Cause: err}
	}
	if err := validateWorkflowFunc(reflect.TypeOf(fn)); err != nil {
		return &RegistrationError{FunctionName: name, Cause: err}
	}
	if err := r.workflows.set(name, workflowEntry{name: name, fn: reflect.ValueOf(fn)}); err != nil {
		return &RegistrationError{FunctionName: name, Cause: err}
	}
	return nil
}

func (r *Registry) RegisterActivity(fn any, opts ...ActivityRegisterOptions) error {
	var o ActivityRegisterOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	name, err := registeredName(fn, o.Name)
	if err != nil {
		return &RegistrationError{FunctionName: o.Name, Cause: err}
	}
	if err := validateActivityFunc(reflect.TypeOf(fn)); err != nil {
		return &RegistrationError{FunctionName: name, Cause: err}
	}
	if err := retry.Validate(convertRetryPolicyToAPI(o.RetryPolicy)); err != nil {
		return &RegistrationError{FunctionName: name, Cause: err}
	}
	o.Name = name
	if err := r.activities.set(name, activityEntry{name: name, fn: reflect.ValueOf(fn), opts: o}); err != nil {
		return &RegistrationError{FunctionName: name, Cause: err}
	}
	return nil
}

func (r *Registry) workflow(name string) (workflowEntry, error) {
	e, ok := r.workflows.get(name)
	if !ok {
		return workflowEntry{}, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, name)
	}
	return e, nil
}

func (r *Registry) activity(name string) (activityEntry, error) {
	e, ok := r.activities.get(name)
	if !ok {
		return activityEntry{}, fmt.Errorf("%w: %s", ErrActivityNotRegistered, name)
	}
	return e, nil
}

var (
	contextType         = reflect.TypeOf((*context.Context)(nil)).Elem()
	workflowContextType = reflect.TypeOf((*Context)(nil)).Elem()
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
)

func validateWorkflowFunc(t reflect.Type) error {
	if t == nil || t.Kind() != reflect.Func {
		return ErrInvalidFunction
	}
	if t.NumIn() < 1 || t.In(0) != workflowContextType {
		return fmt.Errorf("%w: workflow must accept workflow.Context as its first argument", ErrInvalidFunction)
	}
	return validateResults(t)
}

func validateActivityFunc(t reflect.Type) error {
	if t == nil || t.Kind() != reflect.Func {
		return ErrInvalidFunction
	}
	if t.NumIn() < 1 || t.In(0) != contextType {
		return fmt.Errorf("%w: activity must accept context.Context as its first argument", ErrInvalidFunction)
	}
	return validateResults(t)
}

// validateResults accepts (error) and (T, error).
func validateResults(t reflect.Type) error {
	if t.IsVariadic() {
		return fmt.Errorf("%w: variadic functions are not supported", ErrInvalidFunction)
	}
	switch t.NumOut() {
	case 1, 2:
		if t.Out(t.NumOut()-1) != errorType {
			return fmt.Errorf("%w: last return value must be error", ErrInvalidFunction)
		}
		return nil
	default:
		return fmt.Errorf("%w: must return (error) or (T, error)", ErrInvalidFunction)
	}
}

func registeredName(fn any, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return functionName(fn)
}

// functionName resolves a function, or a string naming one, to the name it is
// registered under. Method values lose their "-fm" suffix so a bound method
// and its registration agree.
func functionName(fn any) (string, error) {
	if name, ok := fn.(string); ok {
		if name == "" {
			return "", fmt.Errorf("%w: empty name", ErrInvalidFunction)
		}
		return name, nil
	}
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return "", fmt.Errorf("%w: %T is not a function", ErrInvalidFunction, fn)
	}
	fnObj := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if fnObj == nil {
		return "", fmt.Errorf("%w: could not retrieve function metadata", ErrInvalidFunction)
	}
	return strings.TrimSuffix(fnObj.Name(), "-fm"), nil
}
