package ensemble

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsInOrder(t *testing.T) {
	e := NewExecutor(testLogger(t))
	defer e.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		e.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.NoError(t, e.Sync(func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestExecutor_NeverInterleaves(t *testing.T) {
	e := NewExecutor(testLogger(t))
	defer e.Stop()

	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Execute(func() {
					if running.Add(1) > 1 {
						overlap.Store(true)
					}
					time.Sleep(10 * time.Microsecond)
					running.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, e.Sync(func() {}))
	assert.False(t, overlap.Load(), "callbacks overlapped")
}

func TestExecutor_RecoversPanics(t *testing.T) {
	e := NewExecutor(testLogger(t))
	defer e.Stop()

	e.Execute(func() { panic("boom") })

	ran := false
	require.NoError(t, e.Sync(func() { ran = true }))
	assert.True(t, ran)
}

func TestExecutor_StopDrainsQueue(t *testing.T) {
	e := NewExecutor(testLogger(t))

	var count atomic.Int32
	block := make(chan struct{})
	e.Execute(func() { <-block })
	for i := 0; i < 10; i++ {
		e.Execute(func() { count.Add(1) })
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int32(10), count.Load())

	e.Execute(func() { count.Add(1) })
	assert.ErrorIs(t, e.Sync(func() {}), ErrExecutorStopped)
	assert.Equal(t, int32(10), count.Load())
}

func TestExecutor_ScheduleInterval(t *testing.T) {
	e := NewExecutor(testLogger(t))
	defer e.Stop()

	var count atomic.Int32
	task := e.ScheduleInterval(func() { count.Add(1) }, 10*time.Millisecond)

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	e.StopInterval(task)
	require.NoError(t, e.Sync(func() {}))
	stopped := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), stopped+1)

	// Stopping twice, or a nil task, is harmless.
	e.StopInterval(task)
	e.StopInterval(nil)
}

func TestExecutor_IntervalSkipsWhileBusy(t *testing.T) {
	e := NewExecutor(testLogger(t))
	defer e.Stop()

	block := make(chan struct{})
	e.Execute(func() { <-block })

	var count atomic.Int32
	task := e.ScheduleInterval(func() { count.Add(1) }, 5*time.Millisecond)
	defer e.StopInterval(task)

	// Many ticks elapse while the executor is blocked; only one run may
	// be queued.
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, e.QueueLen(), 1)
	close(block)

	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, 5*time.Millisecond)
}
