// Package port implements ports and their message queues: the three
// port kinds (kernel, queue, dead), a backpressure-aware blocking
// enqueue/dequeue pair, and address-order double-locking for operations
// that touch two ports at once.
package port

import (
	"sync"
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/ref"
	"github.com/glguida/machina/sched"
)

// Type is the kind of a port.
type Type uint8

const (
	TypeQueue Type = iota
	TypeKernel
	TypeDead
)

// Message is an opaque envelope sitting in a port's queue. This package
// never looks inside Payload: package ipc stores its own internalized
// message representation there, keeping port free of any dependency on
// the marshalling or name-space layers above it. If Payload implements
// Releasable, Kill calls it on every message still queued when the port
// dies, so whatever rights the payload is holding (a destination or
// reply right, in ipc's case) get released instead of leaking.
type Message struct {
	Payload interface{}
}

// Releasable is implemented by a Message's Payload when it holds
// references that must be given back if the message is discarded
// without ever being delivered.
type Releasable interface {
	Release()
}

// Port is one Mach-style port. Kind holds whatever kernel object a
// PORT_KERNEL port belongs to (a *task.Task, *task.Thread, or host
// object) so the kernel message dispatcher can recover it without a
// separate side table.
type Port struct {
	ref.Count

	mu   sync.Mutex
	typ  Type
	Kind interface{}

	queue    []*Message
	capacity int
	entries  int
	recvWQ   *sched.WaitQ
	sendWQ   *sched.WaitQ

	sched *sched.Scheduler
}

// NewQueue creates a user-facing message-queue port with the given
// capacity; callers pass whatever capacity their admission-control
// policy dictates.
func NewQueue(s *sched.Scheduler, capacity int) *Port {
	p := &Port{
		typ:      TypeQueue,
		capacity: capacity,
		recvWQ:   sched.NewWaitQ(),
		sendWQ:   sched.NewWaitQ(),
		sched:    s,
	}
	p.Count.Init(1)
	return p
}

// NewKernel creates a kernel port whose Kind is the object it stands
// for. Sends to it succeed without queuing; the message is not passed on
// to Kind or to any other receiver.
func NewKernel(kind interface{}) *Port {
	p := &Port{typ: TypeKernel, Kind: kind}
	p.Count.Init(1)
	return p
}

// NewDead creates a dead-letter port: every send fails, every receive
// reports the port died.
func NewDead() *Port {
	p := &Port{typ: TypeDead}
	p.Count.Init(1)
	return p
}

func (p *Port) Type() Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typ
}

// Kill converts a queue or kernel port into a dead port, draining any
// pending messages and releasing the rights each one still holds (its
// Payload, if Releasable) before discarding it. Every thread still
// waiting to send or receive is woken with the corresponding dead-port
// error.
func (p *Port) Kill() {
	p.mu.Lock()
	p.typ = TypeDead
	drained := p.queue
	p.queue = nil
	p.entries = 0
	recvWQ, sendWQ := p.recvWQ, p.sendWQ
	p.mu.Unlock()

	for _, m := range drained {
		if r, ok := m.Payload.(Releasable); ok {
			r.Release()
		}
	}

	if recvWQ != nil {
		for p.sched.WakeOne(recvWQ) {
		}
	}
	if sendWQ != nil {
		for p.sched.WakeOne(sendWQ) {
		}
	}
}

// LockDual double-locks two ports in address order, matching
// port_lock_dual / port_double_lock: a single lock if both names refer
// to the same port, otherwise the lower pointer value first, to make
// lock ordering consistent no matter which port is "a" and which is "b"
// at any given call site.
func LockDual(a, b *Port) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if addrLess(b, a) {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func addrLess(a, b *Port) bool {
	// Any total order over *Port works; pointer identity compared
	// through uintptr gives the "pointer value defines lock ordering"
	// rule from port_double_lock without depending on allocation
	// order across different calls.
	return ptrLess(a, b)
}

// EnqueueBlocking delivers msg to this port, as portqueue_enq does,
// looping on KERN_RETRY by actually suspending th on the send wait queue
// until there is room or the port dies. force bypasses backpressure
// entirely (used for kernel-originated sends, matching
// mcn_msg_send_from_kernel).
func (p *Port) EnqueueBlocking(th *sched.Thread, msg *Message, timeout time.Duration, force bool) defs.Err_t {
	for {
		p.mu.Lock()
		switch p.typ {
		case TypeDead:
			p.mu.Unlock()
			return defs.KERN_INVALID_NAME
		case TypeKernel:
			p.mu.Unlock()
			return defs.KERN_SUCCESS
		}
		if !force && (!p.sendWQ.Empty() || p.entries == p.capacity) {
			sendWQ := p.sendWQ
			p.mu.Unlock()
			if err := p.sched.Wait(th, sendWQ, timeout); err != defs.KERN_SUCCESS {
				return err
			}
			continue
		}
		p.queue = append(p.queue, msg)
		p.entries++
		recvWQ := p.recvWQ
		p.mu.Unlock()
		p.sched.WakeOne(recvWQ)
		return defs.KERN_SUCCESS
	}
}

// DequeueBlocking removes the head message, blocking th until one
// arrives or timeout elapses.
func (p *Port) DequeueBlocking(th *sched.Thread, timeout time.Duration) (*Message, defs.Err_t) {
	for {
		p.mu.Lock()
		if p.typ == TypeDead {
			p.mu.Unlock()
			return nil, defs.KERN_PORT_DIED
		}
		if len(p.queue) == 0 {
			recvWQ := p.recvWQ
			p.mu.Unlock()
			if err := p.sched.Wait(th, recvWQ, timeout); err != defs.KERN_SUCCESS {
				return nil, err
			}
			continue
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		p.entries--
		sendWQ := p.sendWQ
		p.mu.Unlock()
		p.sched.WakeOne(sendWQ)
		return msg, defs.KERN_SUCCESS
	}
}

// Depth reports the number of queued messages, for metrics.
func (p *Port) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries
}
