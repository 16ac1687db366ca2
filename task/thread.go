package task

import (
	"sync/atomic"
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/limits"
	"github.com/glguida/machina/mem"
	"github.com/glguida/machina/port"
	"github.com/glguida/machina/ref"
	"github.com/glguida/machina/sched"
	"github.com/glguida/machina/vmobj"
)

// Accounting tracks a thread's virtual time as plain user/system
// nanosecond counters rather than packed into a POSIX rusage struct
// nothing downstream needs. They are read through UserNS/SysNS and are
// not exported as metrics.
type Accounting struct {
	userNS int64
	sysNS  int64
}

func (a *Accounting) AddUser(d time.Duration) { atomic.AddInt64(&a.userNS, int64(d)) }
func (a *Accounting) AddSys(d time.Duration)  { atomic.AddInt64(&a.sysNS, int64(d)) }
func (a *Accounting) UserNS() int64           { return atomic.LoadInt64(&a.userNS) }
func (a *Accounting) SysNS() int64            { return atomic.LoadInt64(&a.sysNS) }

// Thread is one schedulable unit belonging to a Task, matching struct
// thread's {uctxt, port, task} triple. Sched drives its actual
// suspend/resume; Port is how the rest of the kernel addresses it.
type Thread struct {
	ref.Count
	ID    defs.ThreadId_t
	Owner *Task
	Sched *sched.Thread
	Port  *port.Port

	Accnt Accounting

	MsgBufAddr uint64
}

// NewThread creates a thread in t: a schedulable unit, a kernel port
// identifying it, and a private VM region sized for one message buffer,
// matching thread_new's uctxt/port/msgbuf allocation trio. No TLS is
// allocated, here or anywhere else in this tree, since this core has no
// notion of a user runtime needing one. Gated on
// limits.Syslimit.Threads, matching thread_create's sysctr_take call
// ahead of any thread state being allocated.
func NewThread(t *Task, h hal.HAL, m *mem.Allocator, cpu int) (*Thread, defs.Err_t) {
	if !limits.Syslimit.Threads.Take() {
		return nil, defs.KERN_RESOURCE_SHORTAGE
	}
	msgbufObj := vmobj.New(h, m, true, defs.MsgBufSize)
	addr, err := t.VM.Alloc(msgbufObj, 0, defs.MsgBufSize, hal.ProtDefault, hal.ProtAll)
	if err != defs.KERN_SUCCESS {
		limits.Syslimit.Threads.Give()
		return nil, err
	}

	th := &Thread{Owner: t, Sched: sched.NewThread(), MsgBufAddr: addr}
	th.Count.Init(1)
	th.Port = port.NewKernel(th)

	t.addThread(th)
	return th, defs.KERN_SUCCESS
}

// GetPort returns a send right to th's kernel port, matching
// thread_getport's portref_dup.
func (th *Thread) GetPort() *port.Port {
	th.Port.Inc()
	return th.Port
}

// Abort forcibly wakes th if it is blocked, matching thread_abort called
// with intimer=false.
func (th *Thread) Abort(s *sched.Scheduler) bool {
	return s.Abort(th.Sched)
}

func (th *Thread) Destroy() {
	th.Owner.removeThread(th.ID)
	limits.Syslimit.Threads.Give()
}
