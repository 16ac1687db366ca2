// Package ipc implements message marshalling: Internalize resolves a
// sender's wire header into a pair of kernel-held port rights and
// queues the result; Externalize turns a dequeued message back into a
// receiver-relative wire header. The queued representation names its two
// resolved rights explicitly (Dest, Reply) rather than reusing the wire
// header's remote/local fields for double duty, since those fields mean
// different things depending on which side of the queue is looking at
// them.
package ipc

import (
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/port"
	"github.com/glguida/machina/portspace"
	"github.com/glguida/machina/sched"
)

// Message is the internalized, in-flight representation of a message:
// the destination right (pinning the queue it sits in alive), the reply
// right (to be handed to whoever receives it), and the body bytes.
type Message struct {
	Bits  defs.MsgBits_t
	Dest  portspace.Right
	Reply portspace.Right
	MsgId defs.MsgId_t
	Body  []byte
}

func releaseRight(r portspace.Right) {
	if r.Port == nil {
		return
	}
	if r.Port.Dec() {
		r.Port.Kill()
	}
}

// Release gives back the destination and reply rights m is still
// holding. It implements port.Releasable, so a queue port dying with m
// still sitting in it releases both rights instead of leaking them.
func (m *Message) Release() {
	releaseRight(m.Dest)
	releaseRight(m.Reply)
}

// Internalize resolves ext's remote/local fields through ps (the
// sender's name space) and builds the queued Message, or fails with a
// Send* error if either field does not name a right the sender actually
// holds.
func Internalize(ps *portspace.Space, ext defs.Header, body []byte) (*Message, defs.MsgErr_t) {
	size := defs.MsgHeaderSize + len(body)
	if size < defs.MsgHeaderSize || size > defs.MsgBufSize {
		return nil, defs.SendInvalidData
	}

	rembits := ext.Bits.Remote()
	locbits := ext.Bits.Local()
	if !rembits.IsPort() || !locbits.IsPort() {
		return nil, defs.SendInvalidHeader
	}

	destRight, replyRight, rc := ps.ResolveSendmsg(rembits, ext.Remote, locbits, ext.Local)
	if rc != defs.MsgIOSuccess {
		return nil, rc
	}

	return &Message{
		Bits:  defs.MakeMsgBits(defs.SendRecvIntern(locbits), defs.SendRecvIntern(rembits)),
		Dest:  destRight,
		Reply: replyRight,
		MsgId: ext.MsgId,
		Body:  append([]byte(nil), body...),
	}, defs.MsgIOSuccess
}

// Externalize turns an internalized Message into a wire header relative
// to the receiver's name space ps: the destination right is released
// (the receiver already has its own name for a port it can receive on),
// and the reply right is inserted as a brand new name.
func Externalize(ps *portspace.Space, msg *Message) (defs.Header, []byte, defs.MsgErr_t) {
	destName := ps.LookupName(msg.Dest.Port)
	releaseRight(msg.Dest)

	replyName := defs.PortIdNull
	if msg.Reply.Port != nil {
		var err defs.Err_t
		replyName, err = ps.InsertRight(msg.Reply)
		if err != defs.KERN_SUCCESS {
			releaseRight(msg.Reply)
			replyName = defs.PortIdNull
		}
	}

	hdr := defs.Header{
		Bits:   msg.Bits,
		Size:   defs.MsgSize_t(defs.MsgHeaderSize + len(msg.Body)),
		Remote: replyName,
		Local:  destName,
		Seqno:  0,
		MsgId:  msg.MsgId,
	}
	return hdr, msg.Body, defs.MsgIOSuccess
}

func waitErrToSendErr(e defs.Err_t) defs.MsgErr_t {
	switch e {
	case defs.KERN_THREAD_TIMEDOUT:
		return defs.SendTimedOut
	case defs.KERN_ABORTED:
		return defs.SendInterrupted
	default:
		return defs.SendInvalidDest
	}
}

func waitErrToRecvErr(e defs.Err_t) defs.MsgErr_t {
	switch e {
	case defs.KERN_THREAD_TIMEDOUT:
		return defs.RcvTimedOut
	case defs.KERN_ABORTED:
		return defs.RcvInterrupted
	case defs.KERN_PORT_DIED:
		return defs.RcvPortDied
	default:
		return defs.RcvPortDied
	}
}

// Send implements the msgsend syscall body: internalize ext/body through
// the sender's name space ps, then enqueue on the resolved destination,
// unwinding both resolved rights if enqueueing fails for any reason.
func Send(ps *portspace.Space, th *sched.Thread, ext defs.Header, body []byte, timeout time.Duration) defs.MsgErr_t {
	msg, rc := Internalize(ps, ext, body)
	if rc != defs.MsgIOSuccess {
		return rc
	}

	err := msg.Dest.Port.EnqueueBlocking(th, &port.Message{Payload: msg}, timeout, false)
	if err != defs.KERN_SUCCESS {
		releaseRight(msg.Dest)
		releaseRight(msg.Reply)
		return waitErrToSendErr(err)
	}
	return defs.MsgIOSuccess
}

// SendFromKernel delivers a kernel-originated message directly to dest,
// bypassing both name-space resolution and backpressure, matching
// mcn_msg_send_from_kernel's force==true enqueue.
func SendFromKernel(dest *port.Port, msg *Message) defs.Err_t {
	return dest.EnqueueBlocking(nil, &port.Message{Payload: msg}, 0, true)
}

// Recv implements the msgrecv syscall body: resolve recvID to a receive
// right in ps, block for a message, and externalize it back into ps.
func Recv(ps *portspace.Space, th *sched.Thread, recvID defs.PortId_t, timeout time.Duration) (defs.Header, []byte, defs.MsgErr_t) {
	recvPort, err := ps.ResolveReceive(recvID)
	if err != defs.KERN_SUCCESS {
		return defs.Header{}, nil, defs.RcvInvalidName
	}

	pmsg, err := recvPort.DequeueBlocking(th, timeout)
	if recvPort.Dec() {
		recvPort.Kill()
	}
	if err != defs.KERN_SUCCESS {
		return defs.Header{}, nil, waitErrToRecvErr(err)
	}

	im := pmsg.Payload.(*Message)
	hdr, body, rc := Externalize(ps, im)
	return hdr, body, rc
}
