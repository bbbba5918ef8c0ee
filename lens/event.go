package lens

import (
	"fmt"
	"reflect"
	"strings"
)

// EventKind identifies the moment of execution an Event reports.
type EventKind uint8

const (
	EventCall EventKind = iota + 1
	EventLine
	EventReturn
	EventException
)

const maxEventKind = EventException

func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventLine:
		return "line"
	case EventReturn:
		return "return"
	case EventException:
		return "exception"
	default:
		return "unknown"
	}
}

// Valid reports if the kind is one of the defined event kinds.
func (k EventKind) Valid() bool {
	return k >= EventCall && k <= maxEventKind
}

// ParseEventKind converts an event name ("call", "line", "return", "exception") to its kind.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call":
		return EventCall, nil
	case "line":
		return EventLine, nil
	case "return":
		return EventReturn, nil
	case "exception":
		return EventException, nil
	default:
		return 0, &ConfigurationError{Field: "events", Value: s}
	}
}

// ParseEventKinds converts a list of event names, failing on the first unknown name.
func ParseEventKinds(names []string) ([]EventKind, error) {
	kinds := make([]EventKind, 0, len(names))
	for _, n := range names {
		k, err := ParseEventKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// EventSet is a bitmask of accepted event kinds. The zero value accepts every kind.
type EventSet uint8

// NewEventSet builds a set from kinds, rejecting undefined kinds.
func NewEventSet(kinds ...EventKind) (EventSet, error) {
	var s EventSet
	for _, k := range kinds {
		if !k.Valid() {
			return 0, &ConfigurationError{Field: "events", Value: fmt.Sprintf("kind(%d)", uint8(k))}
		}
		s |= 1 << k
	}
	return s, nil
}

// Has reports if the set accepts the kind.
func (s EventSet) Has(k EventKind) bool {
	return s == 0 || s&(1<<k) != 0
}

// All reports if the set is unrestricted.
func (s EventSet) All() bool {
	return s == 0
}

func (s EventSet) String() string {
	if s == 0 {
		return "all"
	}
	var names []string
	for k := EventCall; k <= maxEventKind; k++ {
		if s&(1<<k) != 0 {
			names = append(names, k.String())
		}
	}
	return strings.Join(names, ",")
}

// ExceptionInfo is the payload of an exception event.
type ExceptionInfo struct {
	Type      string       // dynamic type of Value, e.g. "*errors.errorString"
	Value     any          // the panic value or raised error
	Traceback []StackFrame // stack at the point the exception was observed
}

func newExceptionInfo(v any, traceback []StackFrame) *ExceptionInfo {
	typ := "nil"
	if v != nil {
		typ = reflect.TypeOf(v).String()
	}
	return &ExceptionInfo{Type: typ, Value: v, Traceback: traceback}
}

// Event is one raw execution event. It is only valid for the duration of the callback that
// receives it and must not be retained.
type Event struct {
	Kind      EventKind
	Frame     *Frame
	Goroutine uint64
	// Line is the executing line for line events, and the frame line otherwise.
	Line        int
	ReturnValue any
	Exception   *ExceptionInfo
}

// NewCallEvent builds a call event for the frame.
func NewCallEvent(f *Frame) *Event {
	return &Event{Kind: EventCall, Frame: f, Line: f.Line()}
}

// NewLineEvent builds a line event for the frame executing line.
func NewLineEvent(f *Frame, line int) *Event {
	return &Event{Kind: EventLine, Frame: f, Line: line}
}

// NewReturnEvent builds a return event carrying the returned value.
func NewReturnEvent(f *Frame, value any) *Event {
	return &Event{Kind: EventReturn, Frame: f, Line: f.Line(), ReturnValue: value}
}

// NewExceptionEvent builds an exception event for the value raised within the frame.
func NewExceptionEvent(f *Frame, value any, traceback []StackFrame) *Event {
	return &Event{Kind: EventException, Frame: f, Line: f.Line(), Exception: newExceptionInfo(value, traceback)}
}

// detach copies the event with a frame that stays valid after the call exits, for delivery after
// the emitting call has moved on.
func (ev *Event) detach() *Event {
	detached := *ev
	detached.Frame = ev.Frame.detach()
	return &detached
}
