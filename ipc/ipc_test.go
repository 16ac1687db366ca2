package ipc

import (
	"testing"
	"time"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/port"
	"github.com/glguida/machina/portspace"
	"github.com/glguida/machina/sched"
	"github.com/glguida/machina/timer"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	tl := timer.New()
	t.Cleanup(tl.Stop)
	return sched.New(tl, 1)
}

func TestSendRecvRoundTrip(t *testing.T) {
	s := newTestScheduler(t)
	senderSpace := portspace.New()
	receiverSpace := portspace.New()

	dest := port.NewQueue(s, 4)
	destID, err := receiverSpace.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: dest})
	if err != defs.KERN_SUCCESS {
		t.Fatalf("install dest in receiver space: %v", err)
	}

	dest.Inc()
	senderDestID, err := senderSpace.InsertRight(portspace.Right{Type: portspace.RightSend, Port: dest})
	if err != defs.KERN_SUCCESS {
		t.Fatalf("install dest send right in sender space: %v", err)
	}

	reply := port.NewQueue(s, 4)
	senderReplyID, err := senderSpace.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: reply})
	if err != defs.KERN_SUCCESS {
		t.Fatalf("install reply in sender space: %v", err)
	}

	hdr := defs.Header{
		Bits:   defs.MakeMsgBits(defs.MsgTypeCopySend, defs.MsgTypeMakeSend),
		Remote: senderDestID,
		Local:  senderReplyID,
		MsgId:  42,
	}
	body := []byte("hello")

	th := sched.NewThread()
	if rc := Send(senderSpace, th, hdr, body, 0); rc != defs.MsgIOSuccess {
		t.Fatalf("Send: %v", rc)
	}

	gotHdr, gotBody, rc := Recv(receiverSpace, th, destID, time.Second)
	if rc != defs.MsgIOSuccess {
		t.Fatalf("Recv: %v", rc)
	}
	if string(gotBody) != "hello" {
		t.Fatalf("gotBody = %q, want %q", gotBody, "hello")
	}
	if gotHdr.MsgId != 42 {
		t.Fatalf("gotHdr.MsgId = %d, want 42", gotHdr.MsgId)
	}
	if gotHdr.Local != destID {
		t.Fatalf("gotHdr.Local = %d, want the receiver's own name for dest (%d)", gotHdr.Local, destID)
	}
	if gotHdr.Remote == defs.PortIdNull {
		t.Fatal("gotHdr.Remote is PortIdNull, want a freshly inserted reply name")
	}
}

func TestSendInvalidDest(t *testing.T) {
	senderSpace := portspace.New()
	th := sched.NewThread()

	hdr := defs.Header{
		Bits:   defs.MakeMsgBits(defs.MsgTypeMakeSend, defs.MsgTypeMakeSend),
		Remote: defs.PortId_t(9999),
		Local:  defs.PortId_t(9999),
	}
	if rc := Send(senderSpace, th, hdr, nil, 0); rc != defs.SendInvalidDest {
		t.Fatalf("Send with an unknown dest name = %v, want SendInvalidDest", rc)
	}
}

func TestRecvInvalidName(t *testing.T) {
	receiverSpace := portspace.New()
	th := sched.NewThread()

	_, _, rc := Recv(receiverSpace, th, defs.PortId_t(9999), 0)
	if rc != defs.RcvInvalidName {
		t.Fatalf("Recv on an unknown name = %v, want RcvInvalidName", rc)
	}
}

func TestInternalizeRejectsUnknownTypeTag(t *testing.T) {
	senderSpace := portspace.New()
	dest := port.NewKernel(nil)
	destID, _ := senderSpace.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: dest})
	dest.Inc()
	senderSpace.InsertSendRecv(portspace.Right{Type: portspace.RightSend, Port: dest})

	hdr := defs.Header{
		// 0x05 names no MsgType_t constant at all: not a scalar tag's
		// usual small value and outside the MoveReceive..MakeOnce range
		// that IsPort recognizes.
		Bits:   defs.MakeMsgBits(defs.MsgType_t(0x05), defs.MsgTypeMakeSend),
		Remote: destID,
		Local:  defs.PortIdNull,
	}
	_, rc := Internalize(senderSpace, hdr, nil)
	if rc != defs.SendInvalidHeader {
		t.Fatalf("Internalize with an unrecognized remote type tag = %v, want SendInvalidHeader", rc)
	}
}

func TestRecvReturnsPortDiedAfterKill(t *testing.T) {
	s := newTestScheduler(t)
	receiverSpace := portspace.New()

	dest := port.NewQueue(s, 4)
	destID, err := receiverSpace.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: dest})
	if err != defs.KERN_SUCCESS {
		t.Fatalf("install dest in receiver space: %v", err)
	}

	th := sched.NewThread()
	resultCh := make(chan defs.MsgErr_t, 1)
	go func() {
		_, _, rc := Recv(receiverSpace, th, destID, 0)
		resultCh <- rc
	}()

	time.Sleep(20 * time.Millisecond)
	dest.Kill()

	select {
	case rc := <-resultCh:
		if rc != defs.RcvPortDied {
			t.Fatalf("Recv after Kill returned %v, want RcvPortDied", rc)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv never woke up after Kill")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	senderSpace := portspace.New()
	dest := port.NewKernel(nil)
	destID, _ := senderSpace.InsertRight(portspace.Right{Type: portspace.RightReceive, Port: dest})
	dest.Inc()
	senderSpace.InsertSendRecv(portspace.Right{Type: portspace.RightSend, Port: dest})

	hdr := defs.Header{
		Bits:   defs.MakeMsgBits(defs.MsgTypeCopySend, 0),
		Remote: destID,
		Local:  defs.PortIdNull,
	}
	_, rc := Internalize(senderSpace, hdr, make([]byte, defs.MsgBufSize))
	if rc != defs.SendInvalidData {
		t.Fatalf("Internalize with an oversized body = %v, want SendInvalidData", rc)
	}
}
