package task

import (
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/ipc"
	"github.com/glguida/machina/mem"
	"github.com/glguida/machina/metrics"
	"github.com/glguida/machina/sched"
)

// Dispatcher routes the scalar syscall ABI to the operations it names.
// Message send/receive go through their own methods below rather than
// through Syscall, since their payload is a whole message buffer rather
// than a handful of scalar arguments that fit in the syscall argument
// words.
type Dispatcher struct {
	Sched         *sched.Scheduler
	HAL           hal.HAL
	Mem           *mem.Allocator
	QueueCapacity int
}

// resolveTask recovers the *Task a send right in th's own name space
// names, for the syscalls below that accept an explicit target task
// argument rather than always acting on th.Owner. defs.PortIdNull
// (the common case: a task only ever acts on itself) resolves to
// th.Owner without touching the name space at all.
func (d *Dispatcher) resolveTask(th *Thread, name defs.PortId_t) (*Task, defs.Err_t) {
	if name == defs.PortIdNull {
		return th.Owner, defs.KERN_SUCCESS
	}
	kind, err := th.Owner.Space.PeekKind(name)
	if err != defs.KERN_SUCCESS {
		return nil, err
	}
	tsk, ok := kind.(*Task)
	if !ok {
		return nil, defs.KERN_INVALID_TASK
	}
	return tsk, defs.KERN_SUCCESS
}

// Syscall dispatches one of the scalar-argument syscalls.
func (d *Dispatcher) Syscall(th *Thread, num defs.Syscall_t, args []uint64) (uint64, defs.Err_t) {
	switch num {
	case defs.SysTaskSelf:
		return uint64(th.Owner.Self()), defs.KERN_SUCCESS

	case defs.SysReplyPort, defs.SysPortAllocate:
		// args[0], if present and non-null, names a task send right to
		// allocate the port in instead of th.Owner's own space.
		target := th.Owner
		if len(args) >= 1 && args[0] != 0 {
			var err defs.Err_t
			target, err = d.resolveTask(th, defs.PortId_t(args[0]))
			if err != defs.KERN_SUCCESS {
				return 0, err
			}
		}
		name, err := target.AllocatePort(d.Sched, d.QueueCapacity)
		return uint64(name), err

	case defs.SysVMAllocate:
		// args[0], if non-null, names a task send right to allocate in
		// instead of th.Owner; args[1] is the size, args[2] the anywhere
		// flag.
		if len(args) < 3 {
			return 0, defs.KERN_INVALID_ARGUMENT
		}
		size, anywhere := args[1], args[2] != 0
		target := th.Owner
		if args[0] != 0 {
			var err defs.Err_t
			target, err = d.resolveTask(th, defs.PortId_t(args[0]))
			if err != defs.KERN_SUCCESS {
				return 0, err
			}
		}
		addr, err := target.VMAllocate(d.HAL, d.Mem, 0, 0, size, anywhere)
		return addr, err

	case defs.SysVMDeallocate:
		if len(args) < 2 {
			return 0, defs.KERN_INVALID_ARGUMENT
		}
		th.Owner.VM.Free(0, args[0], args[1])
		return 0, defs.KERN_SUCCESS

	case defs.SysVMRegion:
		if len(args) < 1 {
			return 0, defs.KERN_INVALID_ARGUMENT
		}
		info, err := th.Owner.VM.RegionAt(args[0])
		if err != defs.KERN_SUCCESS {
			return 0, err
		}
		return info.Start, defs.KERN_SUCCESS

	default:
		return 0, defs.KERN_INVALID_ARGUMENT
	}
}

// MsgSend implements the __syscall_msgsend case: read the outgoing
// header/body from th's own message buffer representation and hand it
// to package ipc.
func (d *Dispatcher) MsgSend(th *Thread, hdr defs.Header, body []byte, timeout time.Duration) defs.MsgErr_t {
	return ipc.Send(th.Owner.Space, th.Sched, hdr, body, timeout)
}

// MsgRecv implements the __syscall_msgrecv case.
func (d *Dispatcher) MsgRecv(th *Thread, recv defs.PortId_t, timeout time.Duration) (defs.Header, []byte, defs.MsgErr_t) {
	return ipc.Recv(th.Owner.Space, th.Sched, recv, timeout)
}

// PageFault resolves a hardware fault in th's task, matching
// vmmap_fault's call site from the platform's fault entry point.
func (d *Dispatcher) PageFault(th *Thread, va uint64, reqprot hal.Prot) defs.Err_t {
	steps, err := th.Owner.VM.Fault(0, va, reqprot)
	metrics.PageFaultSteps.Observe(float64(steps))
	return err
}
