package lens

import (
	"errors"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/go-analyze/bulk"
)

// ManagerOption configures a TracerManager.
type ManagerOption func(m *TracerManager)

// WithSource sets the event source the manager installs its hook on, the process-wide
// instrumentation source by default.
func WithSource(source EventSource) ManagerOption {
	return func(m *TracerManager) {
		m.source = source
	}
}

// WithErrorHandler sets the function observer failures are reported to. The default logs them.
func WithErrorHandler(fn func(error)) ManagerOption {
	return func(m *TracerManager) {
		m.errorHandler = fn
	}
}

// WithObservers registers observers in order.
func WithObservers(observers ...Observer) ManagerOption {
	return func(m *TracerManager) {
		for _, o := range observers {
			m.AddTracer(o)
		}
	}
}

// WithDropFailing removes an observer once its handler fails, after the failing event has been
// dispatched to every other observer.
func WithDropFailing(drop bool) ManagerOption {
	return func(m *TracerManager) {
		m.dropFailing = drop
	}
}

// TracerManager multiplexes its registered observers onto a single hook of an event source.
type TracerManager struct {
	source       EventSource
	errorHandler func(error)
	dropFailing  bool

	mu        sync.Mutex // serializes registry mutation and enable state
	observers atomic.Pointer[[]Observer]
	remove    func()
	active    atomic.Bool
}

// NewTracerManager builds an inactive manager.
func NewTracerManager(opts ...ManagerOption) *TracerManager {
	m := &TracerManager{
		source:       processSource,
		errorHandler: logObserverError,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func logObserverError(err error) {
	log.Printf("%sTracer failed: %v", ErrorLogPrefix, err)
}

// sameObserver compares by identity, values of uncomparable types never match.
func sameObserver(a, b Observer) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// AddTracer appends the observer to the dispatch order. Adding a registered observer is a no-op.
func (m *TracerManager) AddTracer(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.Tracers()
	for _, existing := range current {
		if sameObserver(existing, o) {
			return
		}
	}
	updated := append(current, o)
	m.observers.Store(&updated)
}

// RemoveTracer drops the observer and resets its per-call state. Removing an unregistered observer
// is a no-op.
func (m *TracerManager) RemoveTracer(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(o)
}

func (m *TracerManager) removeLocked(o Observer) {
	current := m.Tracers()
	updated := bulk.SliceFilter(func(existing Observer) bool {
		return !sameObserver(existing, o)
	}, current)
	if len(updated) != len(current) {
		m.observers.Store(&updated)
		resetObserver(o)
	}
}

// resetter is implemented by observers holding per-call state, such as Tracer and StackTracer.
type resetter interface {
	Reset()
}

func resetObserver(o Observer) {
	if r, ok := o.(resetter); ok {
		r.Reset()
	}
}

// Tracers returns the registered observers in dispatch order.
func (m *TracerManager) Tracers() []Observer {
	observers := m.observers.Load()
	if observers == nil {
		return nil
	}
	result := make([]Observer, len(*observers))
	copy(result, *observers)
	return result
}

// Enable installs the manager's hook on its source, resetting the per-call state of registered
// tracers first. Enabling an active manager is a no-op.
func (m *TracerManager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active.Load() {
		return
	}
	// calls entered before a Disable never got their returns
	for _, o := range m.Tracers() {
		resetObserver(o)
	}
	m.remove = m.source.Install(m.Dispatch)
	m.active.Store(true)
}

// Disable removes the manager's hook. Disabling an inactive manager is a no-op. It may be called
// from an observer, the event being dispatched still reaches the remaining observers.
func (m *TracerManager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active.Load() {
		return
	}
	m.remove()
	m.remove = nil
	m.active.Store(false)
}

// Active reports if the manager's hook is installed.
func (m *TracerManager) Active() bool {
	return m.active.Load()
}

// Trace runs fn with the manager enabled, disabling it once fn returns, fails, or panics. A panic
// from fn continues after the manager is disabled.
func (m *TracerManager) Trace(fn func() error) error {
	m.Enable()
	defer m.Disable()
	return fn()
}

// Dispatch delivers the event to every observer registered when dispatch starts, in registration
// order. Observer failures are reported to the error handler and never stop the dispatch.
func (m *TracerManager) Dispatch(ev *Event) {
	observers := m.observers.Load()
	if observers == nil {
		return
	}
	var failed []Observer
	for _, o := range *observers {
		if err := notifyObserver(o, ev); err != nil {
			m.errorHandler(err)
			if m.dropFailing && errors.Is(err, ErrHandler) {
				failed = append(failed, o)
			}
		}
	}
	if len(failed) > 0 {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, o := range failed {
			m.removeLocked(o)
		}
	}
}

// notifyObserver isolates the observer, a panic escaping it is reported as a HandlerError.
func notifyObserver(o Observer, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Kind: ev.Kind, Path: ev.Frame.Path(), Panic: r}
		}
	}()
	return o.OnEvent(ev)
}

var (
	defaultManagerOnce sync.Once
	defaultManager     *TracerManager
)

// DefaultManager returns the process-wide manager used by AddTracer and RemoveTracer. Failing
// observers are dropped from it.
func DefaultManager() *TracerManager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewTracerManager(WithDropFailing(true))
	})
	return defaultManager
}

// AddTracer registers the observer with the default manager and enables it.
func AddTracer(o Observer) {
	m := DefaultManager()
	m.AddTracer(o)
	m.Enable()
}

// RemoveTracer removes the observer from the default manager, disabling it once no observers remain.
func RemoveTracer(o Observer) {
	m := DefaultManager()
	m.RemoveTracer(o)
	if len(m.Tracers()) == 0 {
		m.Disable()
	}
}
