package sim

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// Timer is a handle to a one-shot callback scheduled on a Scheduler.
type Timer struct {
	when  time.Duration
	seq   uint64
	f     func()
	index int // position in the heap, -1 once fired or cancelled
}

// IsRunning reports whether the timer is still pending, i.e. it was neither
// cancelled nor fired yet. A nil timer is never running.
func (t *Timer) IsRunning() bool {
	return t != nil && t.index >= 0
}

// When returns the virtual time the timer fires at
func (t *Timer) When() time.Duration {
	return t.when
}

type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

// events at the same instant run in scheduling order
func (q timerQueue) Less(i, j int) bool {
	if q[i].when == q[j].when {
		return q[i].seq < q[j].seq
	}
	return q[i].when < q[j].when
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler is a single-threaded discrete-event scheduler over a virtual
// clock starting at zero. Callbacks run on the goroutine calling Run or
// RunUntil and may schedule or cancel further timers.
//
// Schedule, At, Cancel and Run must not be called concurrently. Now is safe
// to call from any goroutine.
type Scheduler struct {
	now     atomic.Int64
	seq     uint64
	queue   timerQueue
	stopped bool
	fired   uint64
}

// NewScheduler creates an empty scheduler at virtual time zero
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the current virtual time
func (s *Scheduler) Now() time.Duration {
	return time.Duration(s.now.Load())
}

// Schedule runs f after delay. Negative delays are treated as zero.
func (s *Scheduler) Schedule(delay time.Duration, f func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	return s.At(s.Now()+delay, f)
}

// At runs f at the absolute virtual time when. Times in the past fire at
// the current instant, after the events already due.
func (s *Scheduler) At(when time.Duration, f func()) *Timer {
	if now := s.Now(); when < now {
		when = now
	}
	s.seq++
	t := &Timer{when: when, seq: s.seq, f: f}
	heap.Push(&s.queue, t)
	return t
}

// Cancel removes a pending timer. It is a no-op for nil, fired or already
// cancelled timers.
func (s *Scheduler) Cancel(t *Timer) {
	if !t.IsRunning() {
		return
	}
	heap.Remove(&s.queue, t.index)
}

// Pending returns the number of live timers
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Fired returns the number of callbacks executed so far
func (s *Scheduler) Fired() uint64 {
	return s.fired
}

// Stop makes Run and RunUntil return after the current callback
func (s *Scheduler) Stop() {
	s.stopped = true
}

// Step executes the next due event, advancing the clock to it. It returns
// false when no event is pending.
func (s *Scheduler) Step() bool {
	if len(s.queue) == 0 {
		return false
	}
	t := heap.Pop(&s.queue).(*Timer)
	s.now.Store(int64(t.when))
	s.fired++
	if t.f != nil {
		t.f()
	}
	return true
}

// Run executes events until none are left, Stop is called or ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.run(ctx, -1)
}

// RunUntil executes every event scheduled at or before end, then moves the
// clock to end.
func (s *Scheduler) RunUntil(ctx context.Context, end time.Duration) error {
	if err := s.run(ctx, end); err != nil {
		return err
	}
	if !s.stopped && s.Now() < end {
		s.now.Store(int64(end))
	}
	return nil
}

// ctx is polled every this many events
const ctxCheckInterval = 1024

func (s *Scheduler) run(ctx context.Context, end time.Duration) error {
	s.stopped = false
	for n := 0; !s.stopped; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if len(s.queue) == 0 {
			return nil
		}
		if end >= 0 && s.queue[0].when > end {
			return nil
		}
		s.Step()
	}
	return nil
}
