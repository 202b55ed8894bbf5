package ensemble

import (
	"sync"
	"time"
)

// Cleaner is anything that can drop its expired entries.
type Cleaner interface {
	Cleanup(now time.Time) int
}

// CacheSweeper calls Cleanup on a cache at a fixed interval through a
// Scheduler, so sweeps run on the same execution context as the code that
// owns the cache.
type CacheSweeper struct {
	cache    Cleaner
	sched    Scheduler
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	task *IntervalTask
}

func NewCacheSweeper(cache Cleaner, sched Scheduler, interval time.Duration) *CacheSweeper {
	return &CacheSweeper{
		cache:    cache,
		sched:    sched,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins periodic sweeping. Calling Start twice has no effect.
func (s *CacheSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return
	}
	s.task = s.sched.ScheduleInterval(s.sweep, s.interval)
}

func (s *CacheSweeper) sweep() {
	s.cache.Cleanup(s.now())
}

// Shutdown stops the sweep timer.
func (s *CacheSweeper) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return
	}
	s.sched.StopInterval(s.task)
	s.task = nil
}
