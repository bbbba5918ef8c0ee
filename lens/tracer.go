package lens

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Observer receives every raw event dispatched by a TracerManager.
type Observer interface {
	OnEvent(ev *Event) error
}

// ObserverFunc adapts a plain function to an Observer. It is used by pointer so that the manager can
// key it by identity.
type ObserverFunc struct {
	fn func(ev *Event) error
}

// NewObserverFunc wraps fn as an Observer.
func NewObserverFunc(fn func(ev *Event) error) *ObserverFunc {
	return &ObserverFunc{fn: fn}
}

func (o *ObserverFunc) OnEvent(ev *Event) error {
	return o.fn(ev)
}

// TraceEvent is the structured view of an event handed to a Handler. Like Event it must not be
// retained past the handler call, with the exception of values explicitly copied out.
type TraceEvent struct {
	Kind      EventKind
	FuncName  string
	Path      CallPath
	Goroutine uint64
	Inspector *FrameInspector
	// Args and Kwargs are set for call and exception events.
	Args   []any
	Kwargs []NamedValue
	// Line is the executing line for line events and the frame line otherwise.
	Line        int
	ReturnValue any
	Exception   *ExceptionInfo
	// Depth and Ancestors are maintained by StackTracer, zero otherwise.
	Depth     int
	Ancestors []CallPath
}

// Handler receives the events a Tracer accepts, one method per event kind.
type Handler interface {
	TraceCall(ev *TraceEvent) error
	TraceLine(ev *TraceEvent) error
	TraceReturn(ev *TraceEvent) error
	TraceException(ev *TraceEvent) error
}

// NopHandler ignores every event. Embed it to implement only some Handler methods.
type NopHandler struct{}

func (NopHandler) TraceCall(*TraceEvent) error      { return nil }
func (NopHandler) TraceLine(*TraceEvent) error      { return nil }
func (NopHandler) TraceReturn(*TraceEvent) error    { return nil }
func (NopHandler) TraceException(*TraceEvent) error { return nil }

// HandlerFuncs is a Handler built from optional functions, nil functions ignore their events.
type HandlerFuncs struct {
	Call      func(ev *TraceEvent) error
	Line      func(ev *TraceEvent) error
	Return    func(ev *TraceEvent) error
	Exception func(ev *TraceEvent) error
}

func (h HandlerFuncs) TraceCall(ev *TraceEvent) error {
	if h.Call == nil {
		return nil
	}
	return h.Call(ev)
}

func (h HandlerFuncs) TraceLine(ev *TraceEvent) error {
	if h.Line == nil {
		return nil
	}
	return h.Line(ev)
}

func (h HandlerFuncs) TraceReturn(ev *TraceEvent) error {
	if h.Return == nil {
		return nil
	}
	return h.Return(ev)
}

func (h HandlerFuncs) TraceException(ev *TraceEvent) error {
	if h.Exception == nil {
		return nil
	}
	return h.Exception(ev)
}

// PrintHandler writes one line per call with the function name, arguments and keyword arguments.
type PrintHandler struct {
	NopHandler
	Out io.Writer // defaults to stdout
}

func (h PrintHandler) TraceCall(ev *TraceEvent) error {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintln(out, ev.FuncName, formatArgs(ev.Args), formatKwargs(ev.Kwargs))
	return err
}

func formatArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = FormatValue(a)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatKwargs(kwargs []NamedValue) string {
	parts := make([]string, len(kwargs))
	for i, kv := range kwargs {
		parts[i] = kv.Name + ": " + FormatValue(kv.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// TracerOption configures a Tracer at construction.
type TracerOption func(t *Tracer) error

// WithEvents restricts the tracer to the given event kinds.
func WithEvents(kinds ...EventKind) TracerOption {
	return func(t *Tracer) error {
		events, err := NewEventSet(kinds...)
		if err != nil {
			return err
		}
		t.events = events
		return nil
	}
}

// WithWatch restricts the tracer to call paths matching the watch rules.
func WithWatch(rules ...string) TracerOption {
	return func(t *Tracer) error {
		for _, r := range rules {
			if err := t.watch.Add(r); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithParent makes the tracer dispatch only while parent is in a watched call.
func WithParent(parent *Tracer) TracerOption {
	return func(t *Tracer) error {
		if parent == t {
			return &ConfigurationError{Field: "parent", Value: "self"}
		}
		t.parent = parent
		return nil
	}
}

// Tracer filters raw events by kind and call path and dispatches the accepted ones to its Handler.
type Tracer struct {
	handler Handler
	parent  *Tracer

	mu     sync.RWMutex
	events EventSet
	watch  *WatchSet

	callMu sync.Mutex
	inCall map[uint64]int // watched calls in progress per goroutine
}

// NewTracer builds a tracer dispatching to h, a nil handler ignores every event.
func NewTracer(h Handler, opts ...TracerOption) (*Tracer, error) {
	if h == nil {
		h = NopHandler{}
	}
	t := &Tracer{
		handler: h,
		watch:   &WatchSet{},
		inCall:  make(map[uint64]int),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Handler returns the handler events are dispatched to.
func (t *Tracer) Handler() Handler {
	return t.handler
}

// Parent returns the gating parent tracer, or nil.
func (t *Tracer) Parent() *Tracer {
	return t.parent
}

// Configure replaces the accepted event kinds and watch rules. Empty values accept everything. On
// error the previous configuration is kept.
func (t *Tracer) Configure(events []EventKind, watch []string) error {
	eventSet, err := NewEventSet(events...)
	if err != nil {
		return err
	}
	watchSet, err := NewWatchSet(watch...)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events, t.watch = eventSet, watchSet
	return nil
}

// Events returns the accepted event kinds, the zero set accepts all kinds.
func (t *Tracer) Events() EventSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events
}

// WatchRules returns the configured watch rules in order.
func (t *Tracer) WatchRules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watch.Rules()
}

// Watch adds a watch rule.
func (t *Tracer) Watch(rule string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	watch := t.cloneWatch()
	if err := watch.Add(rule); err != nil {
		return err
	}
	t.watch = watch
	return nil
}

// Unwatch removes a watch rule, removing a rule that is not present is a no-op.
func (t *Tracer) Unwatch(rule string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	watch := t.cloneWatch()
	if watch.Remove(rule) {
		t.watch = watch
	}
}

// cloneWatch copies the watch set so that events being filtered concurrently keep a stable set.
func (t *Tracer) cloneWatch() *WatchSet {
	clone := &WatchSet{rules: make([]WatchRule, len(t.watch.rules))}
	copy(clone.rules, t.watch.rules)
	clone.rebuildLines()
	return clone
}

// InCall reports if a watched call of this tracer is in progress on the calling goroutine.
func (t *Tracer) InCall() bool {
	return t.inCallOn(currentGoroutineID())
}

func (t *Tracer) inCallOn(goroutine uint64) bool {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	return t.inCall[goroutine] > 0
}

func (t *Tracer) enterCall(goroutine uint64) {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	t.inCall[goroutine]++
}

func (t *Tracer) exitCall(goroutine uint64) {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	if n := t.inCall[goroutine]; n > 1 {
		t.inCall[goroutine] = n - 1
	} else {
		delete(t.inCall, goroutine)
	}
}

// Reset forgets the watched calls in progress on every goroutine.
func (t *Tracer) Reset() {
	t.callMu.Lock()
	defer t.callMu.Unlock()
	clear(t.inCall)
}

// OnEvent filters the event and dispatches it to the handler when accepted.
func (t *Tracer) OnEvent(ev *Event) error {
	return t.handle(ev, nil)
}

// callTracker observes the watched calls and returns of a tracer, independent of its event filter.
type callTracker interface {
	push(ev *Event)
	annotate(te *TraceEvent)
	pop(ev *Event) error
}

func (t *Tracer) handle(ev *Event, tracker callTracker) error {
	t.mu.RLock()
	events, watch := t.events, t.watch
	t.mu.RUnlock()

	accepted := events.Has(ev.Kind)
	bookkeeping := ev.Kind == EventCall || ev.Kind == EventReturn
	if !accepted && !bookkeeping {
		return nil
	} else if !watch.MatchFrame(ev.Frame) {
		return nil
	}
	gated := t.parent == nil || t.parent.inCallOn(ev.Goroutine)

	if ev.Kind == EventCall && gated {
		t.enterCall(ev.Goroutine)
		if tracker != nil {
			tracker.push(ev)
		}
	}

	var err error
	if accepted && gated && watch.Match(ev.Frame, ev.Line) {
		te, inspectErr := newTraceEvent(ev)
		if inspectErr != nil {
			err = inspectErr
		} else {
			if tracker != nil {
				tracker.annotate(te)
			}
			err = t.dispatch(te)
		}
	}

	if ev.Kind == EventReturn && gated {
		t.exitCall(ev.Goroutine)
		if tracker != nil {
			err = errors.Join(err, tracker.pop(ev))
		}
	}
	return err
}

func newTraceEvent(ev *Event) (*TraceEvent, error) {
	fi, err := NewFrameInspector(ev.Frame)
	if err != nil {
		return nil, err
	}
	te := &TraceEvent{
		Kind:        ev.Kind,
		FuncName:    fi.FuncName(),
		Path:        fi.QualName(),
		Goroutine:   ev.Goroutine,
		Inspector:   fi,
		Line:        ev.Line,
		ReturnValue: ev.ReturnValue,
		Exception:   ev.Exception,
	}
	if ev.Kind == EventCall || ev.Kind == EventException {
		te.Args = fi.Args()
		te.Kwargs = fi.Kwargs()
	}
	return te, nil
}

// dispatch invokes the kind specific handler, converting errors and panics into a HandlerError.
func (t *Tracer) dispatch(te *TraceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Kind: te.Kind, Path: te.Path, Panic: r}
		}
	}()

	var handlerErr error
	switch te.Kind {
	case EventCall:
		handlerErr = t.handler.TraceCall(te)
	case EventLine:
		handlerErr = t.handler.TraceLine(te)
	case EventReturn:
		handlerErr = t.handler.TraceReturn(te)
	case EventException:
		handlerErr = t.handler.TraceException(te)
	}
	if handlerErr != nil {
		return &HandlerError{Kind: te.Kind, Path: te.Path, Err: handlerErr}
	}
	return nil
}
