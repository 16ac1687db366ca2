package task

import (
	"github.com/glguida/machina/port"
	"github.com/glguida/machina/portspace"
)

// Host is the one per-system host object, exposing a pair of kernel
// ports: a name port any task may hold (used to query host info) and a
// control port restricted to privileged callers.
type Host struct {
	namePort *port.Port
	ctrlPort *port.Port
}

func NewHost() *Host {
	h := &Host{namePort: port.NewKernel("host-name"), ctrlPort: port.NewKernel("host-ctrl")}
	return h
}

// NameRight hands out a fresh send right to the host name port, matching
// host_getnameport's portref_dup.
func (h *Host) NameRight() portspace.Right {
	h.namePort.Inc()
	return portspace.Right{Type: portspace.RightSend, Port: h.namePort}
}

// CtrlRight hands out a fresh send right to the host control port,
// matching host_getctrlport.
func (h *Host) CtrlRight() portspace.Right {
	h.ctrlPort.Inc()
	return portspace.Right{Type: portspace.RightSend, Port: h.ctrlPort}
}
