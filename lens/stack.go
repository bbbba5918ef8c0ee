package lens

import (
	"io"
	"strings"
	"sync"
)

// StackEntry is one active call recorded by a StackTracer.
type StackEntry struct {
	Path     CallPath
	FuncName string
	Depth    int // 1 for the outermost recorded call
	Args     []NamedValue
	Line     int // last line event seen within the call
}

// StackOption configures a StackTracer.
type StackOption func(st *StackTracer)

// WithOutline writes an indented call graph outline to w: each call as "name(args, k=v)" and each
// return as "return <value>".
func WithOutline(w io.Writer) StackOption {
	return func(st *StackTracer) {
		st.out = w
	}
}

// WithTracerOptions applies tracer options (events, watch rules, parent) to the underlying tracer.
func WithTracerOptions(opts ...TracerOption) StackOption {
	return func(st *StackTracer) {
		st.tracerOpts = append(st.tracerOpts, opts...)
	}
}

// StackTracer is a Tracer that also keeps the stack of watched calls for each goroutine. Handlers
// receive the stack depth and ancestor paths with every event.
type StackTracer struct {
	*Tracer
	out        io.Writer
	tracerOpts []TracerOption

	mu     sync.Mutex
	stacks map[uint64][]StackEntry
}

// NewStackTracer builds a stack tracer dispatching to h.
func NewStackTracer(h Handler, opts ...StackOption) (*StackTracer, error) {
	st := &StackTracer{stacks: make(map[uint64][]StackEntry)}
	for _, opt := range opts {
		opt(st)
	}
	t, err := NewTracer(h, st.tracerOpts...)
	if err != nil {
		return nil, err
	}
	st.Tracer = t
	st.tracerOpts = nil
	return st, nil
}

// OnEvent filters the event, updates the goroutine's stack for watched calls and returns, and
// dispatches accepted events with depth and ancestors set. A return that does not match the top of
// the stack is reported as a *StackInconsistencyError after resynchronising.
func (st *StackTracer) OnEvent(ev *Event) error {
	return st.Tracer.handle(ev, st)
}

// Reset drops the stacks of every goroutine. Managers call it when the tracer is removed and before
// their hook is installed, so calls left open while tracing was off never surface as inconsistencies.
func (st *StackTracer) Reset() {
	st.mu.Lock()
	clear(st.stacks)
	st.mu.Unlock()
	st.Tracer.Reset()
}

// Depth returns the number of active watched calls on the calling goroutine.
func (st *StackTracer) Depth() int {
	return st.depthOf(currentGoroutineID())
}

// Ancestors returns the call paths below the current call, outermost first.
func (st *StackTracer) Ancestors() []CallPath {
	st.mu.Lock()
	defer st.mu.Unlock()
	return ancestorPaths(st.stacks[currentGoroutineID()])
}

// Current returns the innermost active call on the calling goroutine.
func (st *StackTracer) Current() (StackEntry, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stack := st.stacks[currentGoroutineID()]
	if len(stack) == 0 {
		return StackEntry{}, false
	}
	return stack[len(stack)-1], true
}

// Stack returns a copy of the calling goroutine's stack, outermost first.
func (st *StackTracer) Stack() []StackEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	stack := st.stacks[currentGoroutineID()]
	result := make([]StackEntry, len(stack))
	copy(result, stack)
	return result
}

func (st *StackTracer) depthOf(goroutine uint64) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.stacks[goroutine])
}

func ancestorPaths(stack []StackEntry) []CallPath {
	if len(stack) <= 1 {
		return nil
	}
	paths := make([]CallPath, len(stack)-1)
	for i := range paths {
		paths[i] = stack[i].Path
	}
	return paths
}

func (st *StackTracer) push(ev *Event) {
	var args []NamedValue
	if fi, err := NewFrameInspector(ev.Frame); err == nil {
		args = fi.AllArgValues()
	}
	path := ev.Frame.Path()

	st.mu.Lock()
	defer st.mu.Unlock()
	stack := st.stacks[ev.Goroutine]
	st.stacks[ev.Goroutine] = append(stack, StackEntry{
		Path:     path,
		FuncName: path.Name(),
		Depth:    len(stack) + 1,
		Args:     args,
		Line:     ev.Line,
	})
}

func (st *StackTracer) annotate(te *TraceEvent) {
	st.mu.Lock()
	stack := st.stacks[te.Goroutine]
	te.Depth = len(stack)
	te.Ancestors = ancestorPaths(stack)
	if te.Kind == EventLine && len(stack) > 0 {
		stack[len(stack)-1].Line = te.Line
	}
	st.mu.Unlock()

	if st.out != nil {
		switch te.Kind {
		case EventCall:
			st.writeOutline(te.Depth, formatCall(te))
		case EventReturn:
			st.writeOutline(te.Depth, "return "+FormatValue(te.ReturnValue))
		}
	}
}

func (st *StackTracer) pop(ev *Event) error {
	path := ev.Frame.Path()

	st.mu.Lock()
	defer st.mu.Unlock()
	stack := st.stacks[ev.Goroutine]
	n := len(stack)
	if n > 0 && stack[n-1].Path == path {
		st.setStack(ev.Goroutine, stack[:n-1])
		return nil
	}

	inconsistency := &StackInconsistencyError{Path: path, Depth: n}
	if n > 0 {
		inconsistency.Top = stack[n-1].Path
	}
	// unwind to the nearest matching call, an unknown return leaves the stack untouched
	for i := n - 2; i >= 0; i-- {
		if stack[i].Path == path {
			st.setStack(ev.Goroutine, stack[:i])
			break
		}
	}
	return inconsistency
}

func (st *StackTracer) setStack(goroutine uint64, stack []StackEntry) {
	if len(stack) == 0 {
		delete(st.stacks, goroutine)
	} else {
		st.stacks[goroutine] = stack
	}
}

func (st *StackTracer) writeOutline(depth int, line string) {
	_, _ = io.WriteString(st.out, strings.Repeat(" ", max(depth-1, 0))+line+"\n")
}

func formatCall(te *TraceEvent) string {
	var sb strings.Builder
	sb.WriteString(te.FuncName)
	sb.WriteByte('(')
	for i, a := range te.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(FormatValue(a))
	}
	for i, kv := range te.Kwargs {
		if i > 0 || len(te.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(kv.Name)
		sb.WriteByte('=')
		sb.WriteString(FormatValue(kv.Value))
	}
	sb.WriteByte(')')
	return sb.String()
}
