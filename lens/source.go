package lens

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Hook receives each raw event emitted by an EventSource.
type Hook func(ev *Event)

// EventSource produces raw events to installed hooks. The returned remove func uninstalls the hook,
// calling it more than once has no further effect.
type EventSource interface {
	Install(h Hook) (remove func())
}

type hookEntry struct {
	hook Hook
}

// contendedEmitWait bounds how long an emitter waits for a dispatch running on another goroutine.
// Past it the event is queued for that dispatcher, so a hook blocking on traced work in other
// goroutines can not stall them.
var contendedEmitWait = 50 * time.Millisecond

// hookSource multiplexes one physical event stream to the ordered set of installed hooks.
type hookSource struct {
	mu          sync.Mutex // serializes hook set mutation
	hooks       atomic.Pointer[[]*hookEntry]
	semOnce     sync.Once
	emitSem     chan struct{} // held while emitting, hooks observe one ordered stream
	dispatching atomic.Uint64 // goroutine currently emitting, zero when idle

	pendingMu sync.Mutex
	pending   []*Event // events queued by emitters that timed out waiting for emitSem
}

var processSource = &hookSource{}

// ProcessSource returns the process-wide source fed by instrumented code through Enter.
func ProcessSource() EventSource {
	return processSource
}

// HookInstalled reports if any hook is installed on the process-wide source. Instrumented calls do
// no work while it is false.
func HookInstalled() bool {
	return processSource.installed()
}

// Emit sends a synthetic event through the process-wide source, as if it was produced by
// instrumented code on the calling goroutine (unless ev.Goroutine is already set).
func Emit(ev *Event) {
	if ev.Goroutine == 0 {
		ev.Goroutine = currentGoroutineID()
	}
	processSource.emit(ev)
}

func (s *hookSource) Install(h Hook) func() {
	entry := &hookEntry{hook: h}
	s.mu.Lock()
	var hooks []*hookEntry
	if current := s.hooks.Load(); current != nil {
		hooks = make([]*hookEntry, len(*current), len(*current)+1)
		copy(hooks, *current)
	}
	hooks = append(hooks, entry)
	s.hooks.Store(&hooks)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(entry) })
	}
}

func (s *hookSource) remove(entry *hookEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.hooks.Load()
	if current == nil {
		return
	}
	hooks := make([]*hookEntry, 0, len(*current))
	for _, e := range *current {
		if e != entry {
			hooks = append(hooks, e)
		}
	}
	if len(hooks) == 0 {
		s.hooks.Store(nil)
	} else {
		s.hooks.Store(&hooks)
	}
}

func (s *hookSource) installed() bool {
	hooks := s.hooks.Load()
	return hooks != nil && len(*hooks) > 0
}

func (s *hookSource) sem() chan struct{} {
	s.semOnce.Do(func() {
		s.emitSem = make(chan struct{}, 1)
	})
	return s.emitSem
}

func (s *hookSource) tryAcquire() bool {
	select {
	case s.sem() <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquireWithin waits up to wait for the emission lock.
func (s *hookSource) acquireWithin(wait time.Duration) bool {
	if s.tryAcquire() {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.sem() <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// release delivers the events queued while the lock was held and unlocks. An event queued after
// the final drain is picked up by acquiring the lock again.
func (s *hookSource) release(goroutine uint64) {
	for {
		s.drainPending()
		s.dispatching.Store(0)
		<-s.sem()
		if !s.hasPending() || !s.tryAcquire() {
			return
		}
		s.dispatching.Store(goroutine)
	}
}

func (s *hookSource) hasPending() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending) > 0
}

func (s *hookSource) enqueue(ev *Event) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(s.pending, ev)
}

// drainPending delivers queued events in order, the caller must hold the emission lock.
func (s *hookSource) drainPending() {
	for {
		s.pendingMu.Lock()
		queued := s.pending
		s.pending = nil
		s.pendingMu.Unlock()
		if len(queued) == 0 {
			return
		}
		for _, ev := range queued {
			s.deliver(ev)
		}
	}
}

// emit delivers ev to the installed hooks before returning, unless another goroutine holds the
// emission lock for longer than contendedEmitWait. The event is then queued with a detached frame
// and delivered by that goroutine once its dispatch finishes. Queued events keep their order.
func (s *hookSource) emit(ev *Event) {
	if !s.installed() {
		return
	} else if ev.Goroutine != 0 && s.dispatching.Load() == ev.Goroutine {
		return // emitted by instrumented code running inside a hook
	}

	if !s.acquireWithin(contendedEmitWait) {
		s.enqueue(ev.detach())
		if s.tryAcquire() { // the holder may have released before the event was queued
			s.dispatching.Store(ev.Goroutine)
			s.release(ev.Goroutine)
		}
		return
	}
	s.dispatching.Store(ev.Goroutine)
	s.drainPending() // events queued earlier precede this one
	s.deliver(ev)
	s.release(ev.Goroutine)
}

// deliverBatch delivers events in order without interleaving other emissions.
func (s *hookSource) deliverBatch(events []*Event) {
	s.sem() <- struct{}{}
	s.drainPending()
	for _, ev := range events {
		s.deliver(ev)
	}
	s.release(0)
}

// deliver invokes the installed hooks in order, the caller must hold the emission lock.
func (s *hookSource) deliver(ev *Event) {
	hooks := s.hooks.Load() // snapshot, hooks removed during emission still see this event
	if hooks == nil {
		return
	}
	for _, e := range *hooks {
		e.hook(ev)
	}
}

var goroutinePrefix = []byte("goroutine ")

// currentGoroutineID parses the id from the "goroutine N [status]:" header of the current stack.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
