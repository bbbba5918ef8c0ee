package lens

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookSourceInstall(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	assert.False(t, src.installed())

	var order []string
	removeA := src.Install(func(*Event) { order = append(order, "a") })
	removeB := src.Install(func(*Event) { order = append(order, "b") })
	assert.True(t, src.installed())

	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	assert.Equal(t, []string{"a", "b"}, order)

	removeA()
	removeA()
	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	assert.Equal(t, []string{"a", "b", "b"}, order)

	removeB()
	assert.False(t, src.installed())
	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	assert.Len(t, order, 3)
}

func TestHookSourceReentrancy(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	var kinds []EventKind
	remove := src.Install(func(ev *Event) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventCall {
			// an instrumented function called from a hook on the same goroutine
			src.emit(onGoroutine(ev.Goroutine, NewLineEvent(ev.Frame, 1)))
		}
	})
	defer remove()

	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	src.emit(onGoroutine(testGoroutine, NewReturnEvent(testFrame("main.run"), nil)))
	assert.Equal(t, []EventKind{EventCall, EventReturn}, kinds)
	assert.Zero(t, src.dispatching.Load())
}

func TestHookSourceRemoveDuringEmit(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	var second int
	var removeFirst func()
	removeFirst = src.Install(func(*Event) { removeFirst() })
	removeSecond := src.Install(func(*Event) { second++ })
	defer removeSecond()

	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	src.emit(onGoroutine(testGoroutine, NewCallEvent(testFrame("main.run"))))
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, hookCount(src))
}

func TestHookSourceConcurrentEmit(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	var count int // serialized by the source
	remove := src.Install(func(*Event) { count++ })
	defer remove()

	const goroutines, events = 8, 100
	var wg sync.WaitGroup
	for g := 1; g <= goroutines; g++ {
		wg.Add(1)
		go func(g uint64) {
			defer wg.Done()
			for i := 0; i < events; i++ {
				src.emit(onGoroutine(g, NewLineEvent(testFrame("main.run"), i)))
			}
		}(uint64(g))
	}
	wg.Wait()
	assert.Equal(t, goroutines*events, count)
}

func TestHookSourceHookWaitsOnOtherGoroutine(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	var order []string // serialized by the source
	var valid []bool
	remove := src.Install(func(ev *Event) {
		order = append(order, fmt.Sprintf("%s:%d", ev.Kind, ev.Goroutine))
		valid = append(valid, ev.Frame.Valid())
		if ev.Goroutine == 1 && ev.Kind == EventCall {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				f := testFrame("main.worker")
				src.emit(onGoroutine(2, NewCallEvent(f)))
				src.emit(onGoroutine(2, NewReturnEvent(f, 3)))
				f.invalidate()
			}()
			wg.Wait()
		}
	})
	defer remove()

	done := make(chan struct{})
	go func() {
		defer close(done)
		src.emit(onGoroutine(1, NewCallEvent(testFrame("main.run"))))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "emission blocked on a hook waiting for another goroutine")
	}

	assert.Equal(t, []string{"call:1", "call:2", "return:2"}, order)
	assert.Equal(t, []bool{true, true, true}, valid, "queued events keep a valid frame")
	assert.False(t, src.hasPending())
	assert.Zero(t, src.dispatching.Load())
}

func TestHookSourceQueuedEventsDeliveredOnRelease(t *testing.T) {
	t.Parallel()

	src := &hookSource{}
	var lines []int // serialized by the source
	remove := src.Install(func(ev *Event) { lines = append(lines, ev.Line) })
	defer remove()

	require.True(t, src.tryAcquire())
	src.enqueue(onGoroutine(2, NewLineEvent(testFrame("main.worker"), 1)))
	src.enqueue(onGoroutine(2, NewLineEvent(testFrame("main.worker"), 2)))
	src.release(testGoroutine)
	assert.Equal(t, []int{1, 2}, lines)

	// queued events precede the next emitted event
	src.enqueue(onGoroutine(2, NewLineEvent(testFrame("main.worker"), 3)))
	src.emit(onGoroutine(testGoroutine, NewLineEvent(testFrame("main.run"), 4)))
	assert.Equal(t, []int{1, 2, 3, 4}, lines)
}

func TestCurrentGoroutineID(t *testing.T) {
	t.Parallel()

	id := currentGoroutineID()
	require.NotZero(t, id)
	assert.Equal(t, id, currentGoroutineID())

	other := make(chan uint64)
	go func() { other <- currentGoroutineID() }()
	otherID := <-other
	assert.NotZero(t, otherID)
	assert.NotEqual(t, id, otherID)
}
