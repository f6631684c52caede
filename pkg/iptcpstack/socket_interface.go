package iptcpstack

import (
	"net/netip"
	"syscall"

	"github.com/pkg/errors"
)

// SocketState is the state of a socket table slot.
type SocketState int

const (
	SocketFree SocketState = iota
	SocketUnbound
	SocketBound
	SocketTCBCreated
)

func (s SocketState) String() string {
	switch s {
	case SocketFree:
		return "free"
	case SocketUnbound:
		return "unbound"
	case SocketBound:
		return "bound"
	case SocketTCBCreated:
		return "tcb"
	}
	return "unknown"
}

// Socket is one slot of the socket table.
type Socket struct {
	SID       int
	State     SocketState
	LocalAddr netip.Addr
	LocalPort uint16

	tcb     *tcb
	backlog []*tcb
}

func (sock *Socket) reset() {
	sock.State = SocketFree
	sock.LocalAddr = netip.Addr{}
	sock.LocalPort = 0
	sock.tcb = nil
	sock.backlog = nil
}

// SocketInfo describes a socket for listings.
type SocketInfo struct {
	SID      int
	State    SocketState
	TCPState State
	Local    netip.AddrPort
	Remote   netip.AddrPort
	// Backlog counts connections waiting to be accepted.
	Backlog int
}

func (sock *Socket) info() SocketInfo {
	si := SocketInfo{
		SID:   sock.SID,
		State: sock.State,
		Local: netip.AddrPortFrom(sock.LocalAddr, sock.LocalPort),
	}
	if t := sock.tcb; t != nil {
		si.TCPState = t.state
		if t.state != Listen {
			si.Remote = t.remoteAddrPort()
		}
	}
	for _, c := range sock.backlog {
		if c != nil && c.state >= Established {
			si.Backlog++
		}
	}
	return si
}

// lookup returns the in-use socket for sid.
func (s *TCPStack) lookup(sid int) (*Socket, error) {
	i := sid - s.firstHandle
	if i < 0 || i >= len(s.sockets) || s.sockets[i].State == SocketFree {
		return nil, errors.Wrapf(syscall.EBADF, "socket %d", sid)
	}
	return s.sockets[i], nil
}

// allocSocket claims the lowest free slot.
func (s *TCPStack) allocSocket() (*Socket, error) {
	for _, sock := range s.sockets {
		if sock.State == SocketFree {
			sock.State = SocketUnbound
			return sock, nil
		}
	}
	return nil, errors.Wrap(syscall.ENFILE, "socket table full")
}

func (s *TCPStack) portInUse(port uint16) bool {
	for _, sock := range s.sockets {
		if sock.State >= SocketBound && sock.LocalPort == port {
			return true
		}
	}
	return false
}

// allocPort searches the ephemeral range linearly, wrapping around, from
// just after the last port handed out.
func (s *TCPStack) allocPort() (uint16, error) {
	lo, hi := int(s.cfg.PortMin), int(s.cfg.PortMax)
	n := hi - lo + 1
	for i := 1; i <= n; i++ {
		port := uint16(lo + (int(s.lastPort)-lo+i)%n)
		if !s.portInUse(port) {
			s.lastPort = port
			return port, nil
		}
	}
	return 0, errors.Wrap(syscall.ENOMEM, "no free port")
}
