package lens

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("invalid tracer configuration")
	// ErrInspection is matched by every *InspectionError.
	ErrInspection = errors.New("frame inspection failed")
	// ErrHandler is matched by every *HandlerError.
	ErrHandler = errors.New("trace handler failed")
	// ErrStackInconsistency is matched by every *StackInconsistencyError.
	ErrStackInconsistency = errors.New("call stack inconsistency")
)

// ConfigurationError reports an invalid events or watch value given to a tracer.
type ConfigurationError struct {
	Field string // "events", "watch" or "rules"
	Value string
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s %q: %v", ErrConfiguration, e.Field, e.Value, e.Cause)
	}
	return fmt.Sprintf("%v: %s %q", ErrConfiguration, e.Field, e.Value)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Cause}
}

// InspectionError reports a frame that is nil or no longer valid.
type InspectionError struct {
	Function string
	Reason   string
}

func (e *InspectionError) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("%v: %s", ErrInspection, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrInspection, e.Function, e.Reason)
}

func (e *InspectionError) Unwrap() error {
	return ErrInspection
}

// HandlerError wraps a failure raised by a consumer handler during dispatch.
// When the handler panicked, Panic holds the recovered value.
type HandlerError struct {
	Kind  EventKind
	Path  CallPath
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%v: trace_%s %s: panic: %v", ErrHandler, e.Kind, e.Path, e.Panic)
	}
	return fmt.Sprintf("%v: trace_%s %s: %v", ErrHandler, e.Kind, e.Path, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHandler}
	}
	return []error{ErrHandler, e.Err}
}

// StackInconsistencyError is reported when a return does not match the recorded stack top.
// It is soft: the stack tracer resynchronises and tracing continues.
type StackInconsistencyError struct {
	Path  CallPath // path of the returning frame
	Top   CallPath // recorded top of stack, empty when the stack was empty
	Depth int      // depth before resynchronising
}

func (e *StackInconsistencyError) Error() string {
	if e.Top == "" {
		return fmt.Sprintf("%v: return from %s with empty stack", ErrStackInconsistency, e.Path)
	}
	return fmt.Sprintf("%v: return from %s but top is %s (depth %d)", ErrStackInconsistency, e.Path, e.Top, e.Depth)
}

func (e *StackInconsistencyError) Unwrap() error {
	return ErrStackInconsistency
}
