package lens

import (
	"runtime"
	"sync/atomic"
)

const maxTracebackFrames = 64

// ParamKind describes how a parameter was bound at a call.
type ParamKind uint8

const (
	ParamPositional    ParamKind = iota + 1 // explicit positional parameter
	ParamKeyword                            // explicit keyword-style parameter (e.g. an options value)
	ParamVarPositional                      // variadic extras (Go "...T")
	ParamVarKeyword                         // variadic keyword extras (map keyed by name)
)

func (k ParamKind) String() string {
	switch k {
	case ParamPositional:
		return "positional"
	case ParamKeyword:
		return "keyword"
	case ParamVarPositional:
		return "var_positional"
	case ParamVarKeyword:
		return "var_keyword"
	default:
		return "unknown"
	}
}

// Param is a single parameter binding recorded at a call.
type Param struct {
	Name  string
	Kind  ParamKind
	Value any
}

// Arg binds a positional parameter.
func Arg(name string, v any) Param {
	return Param{Name: name, Kind: ParamPositional, Value: v}
}

// Kwarg binds a keyword-style parameter.
func Kwarg(name string, v any) Param {
	return Param{Name: name, Kind: ParamKeyword, Value: v}
}

// VarArgs binds the variadic extras, v is expected to be a slice.
func VarArgs(name string, v any) Param {
	return Param{Name: name, Kind: ParamVarPositional, Value: v}
}

// VarKwargs binds variadic keyword extras, v is expected to be a map with string keys.
func VarKwargs(name string, v any) Param {
	return Param{Name: name, Kind: ParamVarKeyword, Value: v}
}

// StackFrame holds a single frame of a captured traceback.
type StackFrame struct {
	File     string `msgpack:"fi"`
	Function string `msgpack:"fu"`
	Line     int    `msgpack:"l"`
}

// Frame is the snapshot of one in-progress instrumented call. A frame stays valid until the call
// exits, after which inspecting it fails with an InspectionError.
type Frame struct {
	symbol   string
	resolved resolvedSymbol
	file     string
	line     int
	params   []Param
	stale    atomic.Bool
}

// NewFrame builds a frame for the function symbol (as reported by the Go runtime, for example
// "github.com/acme/app.(*Service).Run"). It is used by sources that do not capture frames from the
// running goroutine, such as the monitor server and tests.
func NewFrame(symbol, file string, line int, params ...Param) *Frame {
	return &Frame{
		symbol:   symbol,
		resolved: resolveSymbol(symbol),
		file:     file,
		line:     line,
		params:   params,
	}
}

// captureFrame builds the frame of the function skip levels above the caller of captureFrame.
func captureFrame(skip int, params []Param) *Frame {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return NewFrame("", file, line, params...)
	}
	var symbol string
	if fn := runtime.FuncForPC(pc); fn != nil {
		symbol = fn.Name()
	}
	return NewFrame(symbol, file, line, params...)
}

// Symbol returns the runtime symbol of the framed function.
func (f *Frame) Symbol() string {
	if f == nil {
		return ""
	}
	return f.symbol
}

// Path returns the frame's call path.
func (f *Frame) Path() CallPath {
	if f == nil {
		return ""
	}
	return f.resolved.path
}

// Package returns the import path of the framed function.
func (f *Frame) Package() string {
	if f == nil {
		return ""
	}
	return f.resolved.pkgPath
}

func (f *Frame) symbolInfo() resolvedSymbol {
	if f == nil {
		return resolvedSymbol{}
	}
	return f.resolved
}

// File returns the source file of the frame.
func (f *Frame) File() string {
	if f == nil {
		return ""
	}
	return f.file
}

// Line returns the line the frame was entered at.
func (f *Frame) Line() int {
	if f == nil {
		return 0
	}
	return f.line
}

// Valid reports if the frame can still be inspected.
func (f *Frame) Valid() bool {
	return f != nil && !f.stale.Load()
}

// detach copies the frame's bindings into a new valid frame.
func (f *Frame) detach() *Frame {
	if f == nil {
		return nil
	}
	return &Frame{
		symbol:   f.symbol,
		resolved: f.resolved,
		file:     f.file,
		line:     f.line,
		params:   f.params,
	}
}

// invalidate marks the frame stale once its call has exited.
func (f *Frame) invalidate() {
	if f != nil {
		f.stale.Store(true)
	}
}

// captureTraceback records the goroutine stack, skipping skip frames above the caller.
func captureTraceback(skip int) []StackFrame {
	pcs := make([]uintptr, maxTracebackFrames)
	n := runtime.Callers(skip+2, pcs) // skip runtime.Callers and captureTraceback
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		f, more := frames.Next()
		stack = append(stack, StackFrame{
			File:     f.File,
			Function: f.Function,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}
	return stack
}
