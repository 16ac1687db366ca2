// Package task implements tasks, threads and the host object. A Task
// owns a name space and an address space; a Thread is the schedulable
// unit running inside one, identified to the rest of the kernel by its
// own kernel port.
package task

import (
	"sync"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/limits"
	"github.com/glguida/machina/mem"
	"github.com/glguida/machina/port"
	"github.com/glguida/machina/portspace"
	"github.com/glguida/machina/ref"
	"github.com/glguida/machina/sched"
	"github.com/glguida/machina/vmobj"
	"github.com/glguida/machina/vmregion"
)

// Task is a Mach task: a name space plus an address space, matching
// struct task's {ipcspace, vmmap} pair.
type Task struct {
	ref.Count
	ID defs.TaskId_t

	Space *portspace.Space
	VM    *vmregion.Map

	mu           sync.Mutex
	selfPort     *port.Port
	selfName     defs.PortId_t
	threads      map[defs.ThreadId_t]*Thread
	nextThreadID defs.ThreadId_t
}

// New creates a task with its own name space and an address space
// spanning [base, base+size) in as, and immediately gives it a send
// right to itself, matching task_bootstrap followed by task_self.
// Admission-controlled against limits.Syslimit.Tasks, matching
// task_create's call into sysctr_take before any task state exists.
func New(id defs.TaskId_t, as hal.AddrSpace, h hal.HAL, base, size uint64) (*Task, defs.Err_t) {
	if !limits.Syslimit.Tasks.Take() {
		return nil, defs.KERN_RESOURCE_SHORTAGE
	}
	t := &Task{
		ID:      id,
		Space:   portspace.New(),
		VM:      vmregion.New(as, h, base, size),
		threads: make(map[defs.ThreadId_t]*Thread),
	}
	t.Count.Init(1)

	t.selfPort = port.NewKernel(t)
	t.selfPort.Inc()
	name, err := t.Space.InsertRight(portspace.Right{Type: portspace.RightSend, Port: t.selfPort})
	if err != defs.KERN_SUCCESS {
		limits.Syslimit.Tasks.Give()
		panic("task: failed to install self port at bootstrap: " + err.String())
	}
	t.selfName = name
	return t, defs.KERN_SUCCESS
}

// Destroy tears down a task's admission-control reservation. The name
// space and VM map are left for the garbage collector once every
// reference to t drops away, matching task_deallocate's reliance on
// refcounting rather than an explicit free pass over every sub-object.
func (t *Task) Destroy() {
	limits.Syslimit.Tasks.Give()
}

// Self returns the name this task holds for its own task port, matching
// task_self's common case of returning an already-inserted right.
func (t *Task) Self() defs.PortId_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfName
}

// AllocatePort creates a fresh message queue and installs a receive
// right to it in the task's own name space, matching
// task_allocate_port. Gated on limits.Syslimit.Ports and
// limits.Syslimit.NameEntries so an unbounded port-allocation loop fails
// with KERN_RESOURCE_SHORTAGE instead of growing the port table forever.
func (t *Task) AllocatePort(s *sched.Scheduler, capacity int) (defs.PortId_t, defs.Err_t) {
	if !limits.Syslimit.Ports.Take() {
		return defs.PortIdNull, defs.KERN_RESOURCE_SHORTAGE
	}
	if !limits.Syslimit.NameEntries.Take() {
		limits.Syslimit.Ports.Give()
		return defs.PortIdNull, defs.KERN_RESOURCE_SHORTAGE
	}
	p := port.NewQueue(s, capacity)
	name, err := t.Space.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: p})
	if err != defs.KERN_SUCCESS {
		limits.Syslimit.NameEntries.Give()
		limits.Syslimit.Ports.Give()
	}
	return name, err
}

// VMAllocate creates a fresh anonymous VM object and maps it into the
// task's address space, either at addr or wherever the allocator
// chooses, matching task_vm_allocate's two branches.
func (t *Task) VMAllocate(h hal.HAL, m *mem.Allocator, cpu int, addr, size uint64, anywhere bool) (uint64, defs.Err_t) {
	obj := vmobj.New(h, m, true, size)
	if anywhere {
		return t.VM.Alloc(obj, 0, size, hal.ProtDefault, hal.ProtAll)
	}
	t.VM.MapAt(cpu, addr, obj, 0, size, hal.ProtDefault, hal.ProtAll)
	return addr, defs.KERN_SUCCESS
}

func (t *Task) addThread(th *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextThreadID++
	th.ID = t.nextThreadID
	t.threads[th.ID] = th
}

func (t *Task) removeThread(id defs.ThreadId_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, id)
}
