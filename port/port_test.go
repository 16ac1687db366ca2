package port

import (
	"testing"
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/sched"
	"github.com/glguida/machina/timer"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	tl := timer.New()
	t.Cleanup(tl.Stop)
	return sched.New(tl, 1)
}

func TestEnqueueDequeueOrder(t *testing.T) {
	s := newTestScheduler(t)
	p := NewQueue(s, 2)
	th := sched.NewThread()

	m1 := &Message{Payload: 1}
	m2 := &Message{Payload: 2}

	if err := p.EnqueueBlocking(th, m1, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := p.EnqueueBlocking(th, m2, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("enqueue m2: %v", err)
	}
	if got := p.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2", got)
	}

	got, err := p.DequeueBlocking(th, 0)
	if err != defs.KERN_SUCCESS || got.Payload != 1 {
		t.Fatalf("first dequeue = %v, %v, want payload 1", got, err)
	}
	got, err = p.DequeueBlocking(th, 0)
	if err != defs.KERN_SUCCESS || got.Payload != 2 {
		t.Fatalf("second dequeue = %v, %v, want payload 2", got, err)
	}
}

func TestEnqueueBackpressureBlocksUntilRoom(t *testing.T) {
	s := newTestScheduler(t)
	p := NewQueue(s, 1)
	th := sched.NewThread()

	if err := p.EnqueueBlocking(th, &Message{Payload: 1}, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("first enqueue: %v", err)
	}

	blockedTh := sched.NewThread()
	done := make(chan defs.Err_t, 1)
	go func() { done <- p.EnqueueBlocking(blockedTh, &Message{Payload: 2}, 0, false) }()

	select {
	case <-done:
		t.Fatal("second enqueue did not block while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := p.DequeueBlocking(th, 0); err != defs.KERN_SUCCESS {
		t.Fatalf("dequeue to make room: %v", err)
	}

	select {
	case err := <-done:
		if err != defs.KERN_SUCCESS {
			t.Fatalf("blocked enqueue returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never unblocked")
	}
}

func TestKillWakesWaitersAndRejects(t *testing.T) {
	s := newTestScheduler(t)
	p := NewQueue(s, 0)
	th := sched.NewThread()

	resultCh := make(chan defs.Err_t, 1)
	go func() {
		_, err := p.DequeueBlocking(th, 0)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Kill()

	select {
	case err := <-resultCh:
		if err != defs.KERN_PORT_DIED {
			t.Fatalf("DequeueBlocking after Kill returned %v, want KERN_PORT_DIED", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up after Kill")
	}

	if p.Type() != TypeDead {
		t.Fatalf("Type() = %v, want TypeDead", p.Type())
	}
	if err := p.EnqueueBlocking(th, &Message{}, 0, false); err != defs.KERN_INVALID_NAME {
		t.Fatalf("enqueue on dead port = %v, want KERN_INVALID_NAME", err)
	}
}

type releaseCounter struct{ released int }

func (r *releaseCounter) Release() { r.released++ }

func TestKillReleasesQueuedMessagePayloads(t *testing.T) {
	s := newTestScheduler(t)
	p := NewQueue(s, 4)
	th := sched.NewThread()

	r1, r2 := &releaseCounter{}, &releaseCounter{}
	if err := p.EnqueueBlocking(th, &Message{Payload: r1}, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := p.EnqueueBlocking(th, &Message{Payload: r2}, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("enqueue m2: %v", err)
	}

	p.Kill()

	if r1.released != 1 || r2.released != 1 {
		t.Fatalf("released counts = %d, %d, want 1, 1: Kill must release every still-queued message's rights", r1.released, r2.released)
	}
}

func TestKernelPortEnqueueDoesNotQueue(t *testing.T) {
	p := NewKernel("owner")
	th := sched.NewThread()

	if err := p.EnqueueBlocking(th, &Message{Payload: 1}, 0, false); err != defs.KERN_SUCCESS {
		t.Fatalf("enqueue to kernel port: %v", err)
	}
	if got := p.Depth(); got != 0 {
		t.Fatalf("Depth() = %d, want 0 (kernel ports never queue)", got)
	}
}

func TestNewDeadRejectsEverything(t *testing.T) {
	p := NewDead()
	th := sched.NewThread()

	if err := p.EnqueueBlocking(th, &Message{}, 0, false); err != defs.KERN_INVALID_NAME {
		t.Fatalf("enqueue on a dead port = %v, want KERN_INVALID_NAME", err)
	}
	if _, err := p.DequeueBlocking(th, 0); err != defs.KERN_PORT_DIED {
		t.Fatalf("dequeue on a dead port = %v, want KERN_PORT_DIED", err)
	}
}

func TestLockDualSamePortLocksOnce(t *testing.T) {
	p := NewKernel(nil)
	unlock := LockDual(p, p)
	// If LockDual double-locked the same mutex here, this call would
	// deadlock instead of returning.
	unlock()
}

func TestLockDualOrdersByAddressEitherWay(t *testing.T) {
	a := NewKernel("a")
	b := NewKernel("b")

	unlock1 := LockDual(a, b)
	unlock1()
	unlock2 := LockDual(b, a)
	unlock2()
}

func TestForceBypassesBackpressure(t *testing.T) {
	s := newTestScheduler(t)
	p := NewQueue(s, 0)

	if err := p.EnqueueBlocking(nil, &Message{Payload: 1}, 0, true); err != defs.KERN_SUCCESS {
		t.Fatalf("forced enqueue: %v", err)
	}
	if got := p.Depth(); got != 1 {
		t.Fatalf("Depth() = %d, want 1", got)
	}
}
