package ensemble

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs callbacks on a worker's cooperative execution context.
type Scheduler interface {
	// ScheduleInterval runs fn on the execution context every interval
	// until the returned task is stopped.
	ScheduleInterval(fn func(), every time.Duration) *IntervalTask
	StopInterval(task *IntervalTask)
	// Execute queues fn to run on the execution context.
	Execute(fn func())
}

// IntervalTask is a handle returned by ScheduleInterval.
type IntervalTask struct {
	every   time.Duration
	stop    chan struct{}
	once    sync.Once
	pending atomic.Bool
}

// Executor is a single goroutine draining an unbounded FIFO of callbacks.
// Everything queued on one executor runs serially, so callbacks never
// interleave with each other. Callbacks must not block on work that needs
// the same executor to make progress.
type Executor struct {
	mu      sync.Mutex
	queue   *RingBuffer[func()]
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	exited  chan struct{}
	log     zerolog.Logger
}

const executorInitialQueue = 256

// NewExecutor starts an executor goroutine.
func NewExecutor(log zerolog.Logger) *Executor {
	e := &Executor{
		queue:  NewRingBuffer[func()](executorInitialQueue),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		log:    log,
	}
	go e.run()
	return e
}

// Execute queues fn. Callbacks queued after Stop are dropped.
func (e *Executor) Execute(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue.Write(fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Sync queues fn and waits until it has run. It must not be called from
// a callback running on the same executor.
func (e *Executor) Sync(fn func()) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	ran := make(chan struct{})
	e.queue.Write(func() {
		defer close(ran)
		fn()
	})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	select {
	case <-ran:
		return nil
	case <-e.exited:
		select {
		case <-ran:
			return nil
		default:
			return ErrExecutorStopped
		}
	}
}

// QueueLen returns the number of callbacks waiting to run.
func (e *Executor) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *Executor) ScheduleInterval(fn func(), every time.Duration) *IntervalTask {
	t := &IntervalTask{every: every, stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-e.done:
				return
			case <-ticker.C:
				// Skip the tick while the previous run is still queued.
				if !t.pending.CompareAndSwap(false, true) {
					continue
				}
				e.Execute(func() {
					t.pending.Store(false)
					fn()
				})
			}
		}
	}()
	return t
}

func (e *Executor) StopInterval(t *IntervalTask) {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
}

// Stop runs whatever is already queued and then ends the goroutine.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.exited
		return
	}
	e.stopped = true
	close(e.done)
	e.mu.Unlock()
	<-e.exited
}

func (e *Executor) run() {
	defer close(e.exited)
	for {
		e.mu.Lock()
		fn, ok := e.queue.Read()
		stopped := e.stopped
		e.mu.Unlock()

		if ok {
			e.call(fn)
			continue
		}
		if stopped {
			return
		}

		select {
		case <-e.wake:
		case <-e.done:
		}
	}
}

func (e *Executor) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("executor callback panicked")
		}
	}()
	fn()
}
