// Package portspace implements a task's name space as two indexes over
// the same set of entries: an id-keyed index resolves names, and a
// port-keyed index finds whether a port already has a name in this
// space. A send and a receive right to the same port coalesce into one
// entry tracked by reference counts; every send-once right gets its own
// entry that is never shared and is never added to the port-keyed
// index.
package portspace

import (
	"sort"
	"sync"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/port"
)

// RightType is the kind of capability a Right carries.
type RightType uint8

const (
	RightInvalid RightType = iota
	RightSend
	RightReceive
	RightSendOnce
)

// Right is a capability to a port, detached from any name space: a
// tagged union of (send, receive, send-once), each wrapping one
// reference on the underlying Port.
type Right struct {
	Type RightType
	Port *port.Port
}

type entryType uint8

const (
	entryNormal entryType = iota
	entryOnce
)

type entry struct {
	id   defs.PortId_t
	port *port.Port
	typ  entryType

	// valid when typ == entryNormal
	recv      bool
	sendCount uint64
}

// Space is one task's name space.
type Space struct {
	mu       sync.Mutex
	byID     map[defs.PortId_t]*entry
	byPort   map[*port.Port]*entry // normal entries only
	maxID    defs.PortId_t
}

func New() *Space {
	return &Space{
		byID:   make(map[defs.PortId_t]*entry),
		byPort: make(map[*port.Port]*entry),
	}
}

func (s *Space) allocIDLocked() (defs.PortId_t, defs.Err_t) {
	if s.maxID+1 == 0 {
		return 0, defs.KERN_NO_SPACE
	}
	s.maxID++
	return s.maxID, defs.KERN_SUCCESS
}

// checkOp reports whether op can be performed on pe. sendOnly excludes
// MoveReceive, matching _check_op's send_only parameter used by
// sendmsg's dual resolve (a receive right can never travel as part of a
// message's remote/local fields).
func checkOp(op defs.MsgType_t, sendOnly bool, pe *entry) defs.Err_t {
	switch op {
	case defs.MsgTypeCopySend, defs.MsgTypeMoveSend:
		if pe.typ != entryNormal || pe.sendCount == 0 {
			return defs.KERN_INVALID_NAME
		}
		return defs.KERN_SUCCESS
	case defs.MsgTypeMakeSend:
		if pe.typ != entryNormal || !pe.recv {
			return defs.KERN_INVALID_NAME
		}
		return defs.KERN_SUCCESS
	case defs.MsgTypeMoveOnce:
		if pe.typ != entryOnce {
			return defs.KERN_INVALID_NAME
		}
		return defs.KERN_SUCCESS
	case defs.MsgTypeMakeOnce:
		if pe.typ != entryNormal || !pe.recv {
			return defs.KERN_INVALID_NAME
		}
		return defs.KERN_SUCCESS
	case defs.MsgTypeMoveReceive:
		if sendOnly || pe.typ != entryNormal || !pe.recv {
			return defs.KERN_INVALID_NAME
		}
		return defs.KERN_SUCCESS
	default:
		return defs.KERN_INVALID_NAME
	}
}

// execOp performs op on pe, which must already have passed checkOp. It
// may delete pe from both indexes if the operation drains its last
// reference.
func (s *Space) execOp(op defs.MsgType_t, pe *entry) Right {
	switch op {
	case defs.MsgTypeCopySend:
		pe.port.Inc()
		return Right{Type: RightSend, Port: pe.port}

	case defs.MsgTypeMoveSend:
		pe.sendCount--
		p := pe.port
		if pe.sendCount == 0 && !pe.recv {
			delete(s.byID, pe.id)
			delete(s.byPort, pe.port)
		} else {
			p.Inc()
		}
		return Right{Type: RightSend, Port: p}

	case defs.MsgTypeMakeSend:
		pe.port.Inc()
		return Right{Type: RightSend, Port: pe.port}

	case defs.MsgTypeMoveOnce:
		delete(s.byID, pe.id)
		return Right{Type: RightSendOnce, Port: pe.port}

	case defs.MsgTypeMakeOnce:
		pe.port.Inc()
		return Right{Type: RightSendOnce, Port: pe.port}

	case defs.MsgTypeMoveReceive:
		pe.recv = false
		p := pe.port
		if pe.sendCount == 0 {
			delete(s.byID, pe.id)
			delete(s.byPort, pe.port)
		} else {
			p.Inc()
		}
		return Right{Type: RightReceive, Port: p}

	default:
		panic("portspace: unreachable op")
	}
}

// ResolveReceive looks up a single receive right by id, as msgrecv does:
// it never consumes the entry, only duplicates the reference, since
// receiving does not move the receive right itself.
func (s *Space) ResolveReceive(id defs.PortId_t) (*port.Port, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, ok := s.byID[id]
	if !ok || pe.typ != entryNormal || !pe.recv {
		return nil, defs.KERN_INVALID_NAME
	}
	pe.port.Inc()
	return pe.port, defs.KERN_SUCCESS
}

// PeekKind looks up id without consuming or duplicating any reference,
// and returns the Kind of the port it names if that port is a kernel
// port (one created with port.NewKernel). Syscalls that take a target
// object named by port (a task, thread or host send right) use this to
// recover the Go value behind the name before acting on it; id must
// name a right this space actually holds, but the lookup itself is
// read-only.
func (s *Space) PeekKind(id defs.PortId_t) (interface{}, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, ok := s.byID[id]
	if !ok {
		return nil, defs.KERN_INVALID_NAME
	}
	if pe.port.Type() != port.TypeKernel {
		return nil, defs.KERN_INVALID_CAPABILITY
	}
	return pe.port.Kind, defs.KERN_SUCCESS
}

// Resolve performs a single explicit right-manipulation operation (used
// by syscalls other than msgsend, which instead goes through
// ResolveSendmsg's atomic dual resolve).
func (s *Space) Resolve(op defs.MsgType_t, id defs.PortId_t) (Right, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pe, ok := s.byID[id]
	if !ok {
		return Right{}, defs.KERN_INVALID_NAME
	}
	if err := checkOp(op, false, pe); err != defs.KERN_SUCCESS {
		return Right{}, defs.KERN_INVALID_NAME
	}
	return s.execOp(op, pe), defs.KERN_SUCCESS
}

// ResolveSendmsg atomically resolves both the remote (destination) and
// local (reply) fields of an outgoing message, exactly as
// portspace_resolve_sendmsg does, including its aberration handling for
// remid == locid: a Move/Move pair on the same send right needs at least
// two outstanding references, a Move/Move pair of send-once rights
// always fails, and whichever op is a Move executes before whichever op
// is a Copy so the Copy observes the already-decremented right.
func (s *Space) ResolveSendmsg(rembits defs.MsgType_t, remid defs.PortId_t, locbits defs.MsgType_t, locid defs.PortId_t) (rem, loc Right, rc defs.MsgErr_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rempe, ok := s.byID[remid]
	if !ok {
		return Right{}, Right{}, defs.SendInvalidDest
	}
	locpe, ok := s.byID[locid]
	if !ok {
		return Right{}, Right{}, defs.SendInvalidReply
	}

	if err := checkOp(rembits, true, rempe); err != defs.KERN_SUCCESS {
		return Right{}, Right{}, defs.SendInvalidDest
	}
	if err := checkOp(locbits, true, locpe); err != defs.KERN_SUCCESS {
		return Right{}, Right{}, defs.SendInvalidReply
	}

	if remid == locid {
		if locbits == defs.MsgTypeMoveSend && rembits == defs.MsgTypeMoveSend {
			if locpe.sendCount < 2 {
				return Right{}, Right{}, defs.SendInvalidReply
			}
		}
		if locbits == defs.MsgTypeMoveOnce && rembits == defs.MsgTypeMoveOnce {
			return Right{}, Right{}, defs.SendInvalidReply
		}
	}

	switch {
	case remid == locid && locbits == defs.MsgTypeMoveSend && rembits == defs.MsgTypeCopySend:
		loc = s.execOp(locbits, locpe)
		rem = s.execOp(rembits, rempe)
	case remid == locid && locbits == defs.MsgTypeCopySend && rembits == defs.MsgTypeMoveSend:
		rem = s.execOp(rembits, rempe)
		loc = s.execOp(locbits, locpe)
	default:
		loc = s.execOp(locbits, locpe)
		rem = s.execOp(rembits, rempe)
	}

	return rem, loc, defs.MsgIOSuccess
}

// LookupName reports the name this space has on file for p, if any,
// without touching its reference count, matching ipcspace_lookup's use
// in externalize to recover a receiver's own name for the destination
// port it already holds a receive right to.
func (s *Space) LookupName(p *port.Port) defs.PortId_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pe, ok := s.byPort[p]; ok {
		return pe.id
	}
	return defs.PortIdNull
}

// InsertSendRecv inserts a send or receive right, coalescing with an
// existing entry for the same port if one exists, exactly as
// portspace_insertsendrecv does.
func (s *Space) InsertSendRecv(r Right) (defs.PortId_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pe, ok := s.byPort[r.Port]; ok {
		switch r.Type {
		case RightSend:
			pe.sendCount++
			if pe.sendCount == 0 {
				pe.sendCount--
				return 0, defs.KERN_UREFS_OVERFLOW
			}
		case RightReceive:
			if pe.recv {
				panic("portspace: duplicate receive right inserted")
			}
			pe.recv = true
		default:
			panic("portspace: InsertSendRecv given a non send/receive right")
		}
		return pe.id, defs.KERN_SUCCESS
	}

	id, err := s.allocIDLocked()
	if err != defs.KERN_SUCCESS {
		return 0, err
	}
	pe := &entry{id: id, port: r.Port, typ: entryNormal}
	switch r.Type {
	case RightSend:
		pe.sendCount = 1
	case RightReceive:
		pe.recv = true
	default:
		panic("portspace: InsertSendRecv given a non send/receive right")
	}
	s.byID[id] = pe
	s.byPort[r.Port] = pe
	return id, defs.KERN_SUCCESS
}

// InsertRight inserts any right, dispatching send-once rights (which
// always get a fresh entry and are never added to the port-keyed index)
// to their own path, matching portspace_insertright.
func (s *Space) InsertRight(r Right) (defs.PortId_t, defs.Err_t) {
	if r.Type == RightSendOnce {
		s.mu.Lock()
		defer s.mu.Unlock()
		id, err := s.allocIDLocked()
		if err != defs.KERN_SUCCESS {
			return 0, err
		}
		s.byID[id] = &entry{id: id, port: r.Port, typ: entryOnce}
		return id, defs.KERN_SUCCESS
	}
	if r.Type == RightInvalid {
		return 0, defs.KERN_INVALID_NAME
	}
	return s.InsertSendRecv(r)
}

// entrySnapshot is used by Entries for diagnostics/tests.
type entrySnapshot struct {
	ID        defs.PortId_t
	Port      *port.Port
	Once      bool
	Recv      bool
	SendCount uint64
}

// Entries returns every live entry in ascending id order, for tests and
// for portspace_print-style diagnostics.
func (s *Space) Entries() []entrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entrySnapshot, 0, len(s.byID))
	for _, pe := range s.byID {
		out = append(out, entrySnapshot{
			ID:        pe.id,
			Port:      pe.port,
			Once:      pe.typ == entryOnce,
			Recv:      pe.recv,
			SendCount: pe.sendCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
