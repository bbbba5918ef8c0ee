package lens

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStripedMutexSameKeyExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	sm := newStripedMutex(8)

	var running, maxRunning atomic.Int32
	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			l := sm.Lock("file.go")
			defer l.Unlock()

			n := running.Add(1)
			for {
				prev := maxRunning.Load()
				if n <= prev || maxRunning.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxRunning.Load())
}

func TestStripedMutexDistinctLocks(t *testing.T) {
	t.Parallel()

	sm := newStripedMutex(8)
	l := sm.Lock("a.go")
	defer l.Unlock()

	assert := require.New(t)
	assert.Same(l, sm.getLock("a.go"))
	assert.Len(sm.locks, 8)
}

func TestErrGroupLimitCPU(t *testing.T) {
	t.Parallel()

	eg := ErrGroupLimitCPU()
	var count atomic.Int32
	for i := 0; i < 50; i++ {
		eg.Go(func() error {
			count.Add(1)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(50), count.Load())
}
