package iptcpstack

import (
	"context"
	"io"
	"net/netip"
	"syscall"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"rawtcp/pkg/dispatch"
)

// do runs fn on the dispatcher and returns its error.
func (s *TCPStack) do(fn func() error) error {
	var err error
	if derr := s.d.Do(func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// Socket allocates a socket. Only AF_INET stream sockets are supported.
func (s *TCPStack) Socket(family, sotype int) (int, error) {
	if family != syscall.AF_INET || sotype != syscall.SOCK_STREAM {
		return -1, errors.Wrapf(syscall.EINVAL, "unsupported socket family %d type %d", family, sotype)
	}
	sid := -1
	err := s.do(func() error {
		sock, err := s.allocSocket()
		if err != nil {
			return err
		}
		sid = sock.SID
		return nil
	})
	return sid, err
}

// Open allocates a TCP socket.
func (s *TCPStack) Open() (int, error) {
	return s.Socket(syscall.AF_INET, syscall.SOCK_STREAM)
}

// Bind assigns a local address to an unbound socket. An unspecified
// address means the host's address and port 0 picks an ephemeral port.
func (s *TCPStack) Bind(sid int, addr netip.AddrPort) error {
	return s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		return s.bind(sock, addr)
	})
}

func (s *TCPStack) bind(sock *Socket, addr netip.AddrPort) error {
	if sock.State != SocketUnbound {
		return errors.Wrapf(syscall.EINVAL, "socket %d already bound", sock.SID)
	}
	ip := addr.Addr()
	switch {
	case !ip.IsValid() || ip.IsUnspecified():
		ip = s.ip.LocalAddr()
	case !ip.Is4():
		return errors.Wrapf(syscall.EINVAL, "%v is not an IPv4 address", ip)
	case ip != s.ip.LocalAddr():
		return errors.Wrapf(syscall.EADDRNOTAVAIL, "%v is not a local address", ip)
	}
	port := addr.Port()
	if port == 0 {
		var err error
		if port, err = s.allocPort(); err != nil {
			return err
		}
	} else if s.portInUse(port) {
		return errors.Wrapf(syscall.EADDRINUSE, "port %d", port)
	}
	sock.LocalAddr = ip
	sock.LocalPort = port
	sock.State = SocketBound
	return nil
}

// Connect opens a connection to raddr, binding the socket first if needed.
// It blocks until the handshake completes, fails or times out.
func (s *TCPStack) Connect(ctx context.Context, sid int, raddr netip.AddrPort) error {
	var t *tcb
	err := s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		if !raddr.Addr().Is4() || raddr.Port() == 0 {
			return errors.Wrapf(syscall.EINVAL, "bad remote address %v", raddr)
		}
		if sock.State == SocketUnbound {
			if err := s.bind(sock, netip.AddrPort{}); err != nil {
				return err
			}
		}
		switch sock.State {
		case SocketBound:
		case SocketTCBCreated:
			return errors.Wrapf(syscall.EISCONN, "socket %d", sid)
		default:
			return errors.Wrapf(syscall.EBADF, "socket %d", sid)
		}
		if _, err := s.ip.NextHop(raddr.Addr()); err != nil {
			return err
		}
		t = s.newTCB(sock, raddr)
		sock.tcb = t
		sock.State = SocketTCBCreated
		s.fsm(t, evActiveOpen, nil)
		return nil
	})
	if err != nil {
		return err
	}

	werr := s.d.Await(ctx, s.connectTimeout, func() bool { return t.state != SynSent })
	return s.do(func() error {
		if t.state == SynSent {
			if errors.Is(werr, dispatch.ErrTimeout) {
				werr = errors.Wrapf(syscall.ETIMEDOUT, "connect to %v", raddr)
			}
			s.abort(t, werr)
			return werr
		}
		if t.state >= Established {
			return nil
		}
		if t.err != nil {
			return t.err
		}
		return errors.Wrapf(syscall.ECONNREFUSED, "connect to %v", raddr)
	})
}

// Listen turns a bound socket into a listener with room for backlog
// established connections awaiting Accept.
func (s *TCPStack) Listen(sid int, backlog int) error {
	return s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		if sock.State != SocketBound {
			return errors.Wrapf(syscall.EINVAL, "socket %d is not bound", sid)
		}
		if backlog < 1 {
			return errors.Wrapf(syscall.EINVAL, "backlog %d", backlog)
		}
		sock.backlog = make([]*tcb, backlog)
		sock.tcb = s.newListener(sock)
		sock.State = SocketTCBCreated
		return nil
	})
}

// Accept waits for an established connection on a listening socket and
// moves it into a new socket.
func (s *TCPStack) Accept(ctx context.Context, sid int) (int, netip.AddrPort, error) {
	var sock *Socket
	err := s.do(func() error {
		var err error
		if sock, err = s.lookup(sid); err != nil {
			return err
		}
		if sock.State != SocketTCBCreated || sock.backlog == nil {
			return errors.Wrapf(syscall.EINVAL, "socket %d is not listening", sid)
		}
		return nil
	})
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	ready := func() *tcb {
		for _, c := range sock.backlog {
			if c != nil && c.state >= Established {
				return c
			}
		}
		return nil
	}
	for {
		err := s.d.Await(ctx, 0, func() bool {
			return sock.State != SocketTCBCreated || sock.backlog == nil || ready() != nil
		})
		if err != nil {
			return -1, netip.AddrPort{}, err
		}
		nsid := -1
		var remote netip.AddrPort
		err = s.do(func() error {
			if sock.State != SocketTCBCreated || sock.backlog == nil {
				return errors.Wrapf(syscall.EBADF, "socket %d closed", sid)
			}
			c := ready()
			if c == nil {
				return nil
			}
			ns, err := s.allocSocket()
			if err != nil {
				return err
			}
			for i, x := range sock.backlog {
				if x == c {
					sock.backlog[i] = nil
				}
			}
			ns.State = SocketTCBCreated
			ns.LocalAddr = sock.LocalAddr
			ns.LocalPort = sock.LocalPort
			ns.tcb = c
			c.sock = ns
			c.listener = nil
			s.queueAck(c)
			nsid = ns.SID
			remote = c.remoteAddrPort()
			return nil
		})
		if err != nil || nsid >= 0 {
			return nsid, remote, err
		}
	}
}

// Read blocks until data, end of stream or an error is available and
// copies up to len(buf) bytes. It returns io.EOF once the peer's FIN has
// been reached.
func (s *TCPStack) Read(ctx context.Context, sid int, buf []byte) (int, error) {
	t, err := s.connTCB(sid)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		if err := s.d.Await(ctx, 0, t.readable); err != nil {
			return 0, err
		}
		var n int
		err := s.do(func() error {
			var err error
			n, err = s.read(t, buf)
			return err
		})
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *TCPStack) read(t *tcb, buf []byte) (int, error) {
	if avail := t.available(); avail > 0 {
		n := min(len(buf), avail)
		rxSize := uint32(len(t.rxBuf))
		start := t.rxWinStart % rxSize
		k := copy(buf[:n], t.rxBuf[start:])
		copy(buf[k:n], t.rxBuf)
		t.rxWinStart += uint32(n)
		wasClosed := t.adWin == 0
		t.updateWindow()
		if wasClosed && t.adWin > 0 && !t.released {
			s.queueAck(t)
		}
		return n, nil
	}
	switch {
	case t.atEOF():
		return 0, io.EOF
	case t.err != nil:
		return 0, t.err
	case t.state == Closed || t.released:
		return 0, io.EOF
	}
	return 0, nil
}

// Write queues as much of data as the transmit buffer has room for,
// blocking while it is full, and returns the number of bytes accepted.
func (s *TCPStack) Write(ctx context.Context, sid int, data []byte) (int, error) {
	t, err := s.connTCB(sid)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	err = s.d.Await(ctx, 0, func() bool {
		return !t.writable() || t.txBuf.Free() > 0
	})
	if err != nil {
		return 0, err
	}
	var n int
	err = s.do(func() error {
		if !t.writable() {
			if t.err != nil {
				return t.err
			}
			return errors.Wrapf(syscall.EINVAL, "cannot write in state %v", t.state)
		}
		n = min(len(data), t.txBuf.Free())
		if _, err := t.txBuf.Write(data[:n]); err != nil {
			return errors.Wrap(err, "failed to buffer data")
		}
		for off := 0; off < n; off += t.mss {
			end := min(off+t.mss, n)
			s.queueSegment(t, header.TCPFlagAck, data[off:end])
		}
		return nil
	})
	return n, err
}

// connTCB returns the connection TCB of sid. Listening and unconnected
// sockets are rejected.
func (s *TCPStack) connTCB(sid int) (*tcb, error) {
	var t *tcb
	err := s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		if sock.State != SocketTCBCreated || sock.backlog != nil {
			return errors.Wrapf(syscall.EINVAL, "socket %d is not connected", sid)
		}
		t = sock.tcb
		if t.state < Established && t.state != Closed {
			return errors.Wrapf(syscall.EINVAL, "socket %d is %v", sid, t.state)
		}
		return nil
	})
	return t, err
}

// Close closes sid. An unconnected socket is freed at once; an open
// connection sends its FIN and the slot is freed when the connection
// reaches CLOSED. Closing a listener resets the connections it has not
// handed out.
func (s *TCPStack) Close(sid int) error {
	return s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		if sock.State != SocketTCBCreated {
			sock.reset()
			return nil
		}
		t := sock.tcb
		t.appClosed = true
		switch t.state {
		case Listen, SynReceived:
			for _, c := range sock.backlog {
				if c == nil {
					continue
				}
				if c.state != Closed {
					s.resetPeer(c)
				}
				c.discardTx()
				c.released = true
			}
			if t.state == SynReceived {
				s.resetPeer(t)
			}
			t.released = true
			sock.reset()
		case Closed, SynSent:
			t.discardTx()
			s.setState(t, Closed)
			s.release(t)
		case Established, CloseWait:
			s.fsm(t, evClose, nil)
		}
		return nil
	})
}

// Sockets returns a snapshot of the socket table.
func (s *TCPStack) Sockets() ([]SocketInfo, error) {
	var out []SocketInfo
	err := s.d.Do(func() {
		for _, sock := range s.sockets {
			if sock.State != SocketFree {
				out = append(out, sock.info())
			}
		}
	})
	return out, err
}

// State returns the TCP state of sid, or Closed when it has no TCB.
func (s *TCPStack) State(sid int) (State, error) {
	var st State
	err := s.do(func() error {
		sock, err := s.lookup(sid)
		if err != nil {
			return err
		}
		if sock.tcb != nil {
			st = sock.tcb.state
		}
		return nil
	})
	return st, err
}
