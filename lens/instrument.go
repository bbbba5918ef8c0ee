package lens

import (
	"runtime"
)

// Call is an instrumented call in progress. It is created by Enter and must be closed by deferring
// Exit directly:
//
//	func (s *Service) run(ctx context.Context, id int) (err error) {
//		call := lens.Enter(lens.Arg("ctx", ctx), lens.Arg("id", id))
//		defer call.Exit()
//		defer func() { call.Return(err) }()
//		...
//	}
//
// A nil *Call (returned when no hook is installed) is valid and every method is a no-op.
type Call struct {
	frame     *Frame
	goroutine uint64
	result    any
}

// Enter captures the calling function's frame with its parameter bindings and emits a call event.
func Enter(params ...Param) *Call {
	if !processSource.installed() {
		return nil
	}
	c := &Call{
		frame:     captureFrame(1, params),
		goroutine: currentGoroutineID(),
	}
	c.emit(NewCallEvent(c.frame))
	return c
}

// Frame returns the frame of the call.
func (c *Call) Frame() *Frame {
	if c == nil {
		return nil
	}
	return c.frame
}

// Line emits a line event for the caller's current line.
func (c *Call) Line() {
	if c == nil {
		return
	}
	_, _, line, _ := runtime.Caller(1)
	c.emit(NewLineEvent(c.frame, line))
}

// Return records the values to report in the return event. No values reports nil, a single value is
// reported as is, and multiple values are reported as a []any.
func (c *Call) Return(values ...any) {
	if c == nil {
		return
	}
	switch len(values) {
	case 0:
		c.result = nil
	case 1:
		c.result = values[0]
	default:
		c.result = values
	}
}

// Raise emits an exception event for an error observed at the current point. The error is not
// altered or consumed.
func (c *Call) Raise(err error) {
	if c == nil || err == nil {
		return
	}
	c.emit(NewExceptionEvent(c.frame, err, captureTraceback(1)))
}

// Exit emits the return event and invalidates the frame. When the function is panicking, an
// exception event with the recovered value is emitted first, and the panic is resumed with the
// identical value once observers have run.
func (c *Call) Exit() {
	if c == nil {
		return
	}
	if r := recover(); r != nil {
		c.emit(NewExceptionEvent(c.frame, r, captureTraceback(1)))
		c.emit(NewReturnEvent(c.frame, nil))
		c.frame.invalidate()
		panic(r)
	}
	c.emit(NewReturnEvent(c.frame, c.result))
	c.frame.invalidate()
}

func (c *Call) emit(ev *Event) {
	ev.Goroutine = c.goroutine
	processSource.emit(ev)
}
