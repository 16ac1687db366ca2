// Package sched implements wait queues and the per-CPU runnable
// bookkeeping. Each logical Thread is driven by its own goroutine
// rather than a suspended physical execution context; a buffered
// channel is the actual suspend/resume primitive, while WaitQ and the
// timer list supply FIFO ordering and race-safe cancellation.
package sched

import (
	"container/list"
	"sync"
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/timer"
)

// Status is a thread's scheduling state.
type Status uint8

const (
	StatusRunnable Status = iota
	StatusRunning
	StatusStopped
	StatusDead
)

// Thread is the schedulable unit. task.Thread embeds one.
type Thread struct {
	mu     sync.Mutex
	status Status
	waitq  *WaitQ
	elem   *list.Element
	wake   chan defs.Err_t
	timer  timer.Timer
}

func NewThread() *Thread {
	return &Thread{status: StatusRunnable, wake: make(chan defs.Err_t, 1)}
}

func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// WaitQ is a FIFO queue of blocked threads, exactly as the port queue's
// send_waitq/recv_waitq use it.
type WaitQ struct {
	mu    sync.Mutex
	queue *list.List
}

func NewWaitQ() *WaitQ {
	return &WaitQ{queue: list.New()}
}

func (w *WaitQ) Empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len() == 0
}

// Scheduler drives wait/wakeone/abort and keeps a lightweight per-CPU
// runnable count for metrics; actual run-order among runnable goroutines
// is left to the Go runtime scheduler, which already preempts and load
// balances real OS threads, making a hand-rolled run loop redundant for
// this core's purposes.
type Scheduler struct {
	timers *timer.List

	mu       sync.Mutex
	runnable []int64 // per-CPU runnable counters
}

func New(timers *timer.List, numCPU int) *Scheduler {
	return &Scheduler{timers: timers, runnable: make([]int64, numCPU)}
}

// MarkRunnable records that a thread on cpu became runnable, for
// metrics only.
func (s *Scheduler) MarkRunnable(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu >= 0 && cpu < len(s.runnable) {
		s.runnable[cpu]++
	}
}

// RunnableCount reports the current per-CPU runnable counters.
func (s *Scheduler) RunnableCount() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.runnable))
	copy(out, s.runnable)
	return out
}

// Wait suspends the calling goroutine on wq until woken by WakeOne/Abort
// or, if timeout is non-zero, until timeout elapses. It returns
// KERN_SUCCESS on a normal wake, KERN_THREAD_TIMEDOUT on expiry.
func (s *Scheduler) Wait(th *Thread, wq *WaitQ, timeout time.Duration) defs.Err_t {
	th.mu.Lock()
	th.status = StatusStopped
	th.waitq = wq

	wq.mu.Lock()
	th.elem = wq.queue.PushBack(th)
	wq.mu.Unlock()

	// Arming the timer only after th is actually queued, and before
	// releasing th.mu, closes the window where a fast-firing timer could
	// abort th before it has anything to dequeue: abort also locks th.mu
	// first, so it can't observe th mid-setup.
	if timeout > 0 {
		s.timers.Register(&th.timer, timeout, func() { s.timeoutHandler(th) })
	}
	th.mu.Unlock()

	return <-th.wake
}

func (s *Scheduler) timeoutHandler(th *Thread) {
	// A wakeone may have raced ahead of the timer firing; Abort is a
	// no-op in that case, matching thread_abort's waitq==nil check.
	s.abort(th, true, defs.KERN_THREAD_TIMEDOUT)
}

// Abort forcibly removes th from whatever queue it is waiting on and
// resumes it with KERN_ABORTED. Returns false if th was not waiting.
func (s *Scheduler) Abort(th *Thread) bool {
	return s.abort(th, false, defs.KERN_ABORTED)
}

func (s *Scheduler) abort(th *Thread, fromTimer bool, reason defs.Err_t) bool {
	th.mu.Lock()
	wq := th.waitq
	if wq == nil {
		th.mu.Unlock()
		return false
	}
	th.waitq = nil
	elem := th.elem
	th.elem = nil
	th.status = StatusRunning
	if !fromTimer {
		s.timers.Remove(&th.timer)
	}
	th.mu.Unlock()

	wq.mu.Lock()
	if elem != nil {
		wq.queue.Remove(elem)
	}
	wq.mu.Unlock()

	th.wake <- reason
	return true
}

// WakeOne pops the head of wq, if any, cancels its timeout, and resumes
// it with KERN_SUCCESS.
func (s *Scheduler) WakeOne(wq *WaitQ) bool {
	wq.mu.Lock()
	front := wq.queue.Front()
	var th *Thread
	if front != nil {
		th = front.Value.(*Thread)
		wq.queue.Remove(front)
	}
	wq.mu.Unlock()

	if th == nil {
		return false
	}

	th.mu.Lock()
	th.waitq = nil
	th.elem = nil
	th.status = StatusRunning
	s.timers.Remove(&th.timer)
	th.mu.Unlock()

	th.wake <- defs.KERN_SUCCESS
	return true
}
