// Package iptcpstack implements TCP over the host's IPv4 layer: the
// connection state machine, retransmission, congestion control,
// reassembly and the socket table behind the blocking socket API.
//
// Engine state is owned by the dispatcher goroutine. The exported socket
// operations may be called from any goroutine; they submit their work to
// the dispatcher and park on it while they wait.
package iptcpstack

import (
	"math/rand/v2"
	"net/netip"
	"syscall"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rawtcp/pkg/checksum"
	"rawtcp/pkg/config"
	"rawtcp/pkg/dispatch"
	"rawtcp/pkg/ipstack"
	"rawtcp/pkg/metrics"
)

type TCPStack struct {
	cfg     *config.Config
	ip      *ipstack.IPStack
	d       *dispatch.Dispatcher
	rng     *rand.Rand
	log     *zap.Logger
	metrics *metrics.Metrics

	firstHandle int
	sockets     []*Socket
	lastPort    uint16

	// Timer bounds in ticks.
	rtoInit        int64
	rtoMin         int64
	rtoMax         int64
	connectTimeout int64
}

// New creates the TCP layer and registers it with ip. Ticks must be fed to
// Tick by the dispatcher.
func New(cfg *config.Config, ip *ipstack.IPStack, d *dispatch.Dispatcher, rng *rand.Rand, log *zap.Logger, m *metrics.Metrics) *TCPStack {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &TCPStack{
		cfg:            cfg,
		ip:             ip,
		d:              d,
		rng:            rng,
		log:            log.Named("tcp"),
		metrics:        m,
		firstHandle:    config.FirstHandle,
		lastPort:       cfg.PortMax,
		rtoInit:        cfg.Ticks(cfg.TcpRtoInit),
		rtoMin:         cfg.Ticks(cfg.TcpRtoMin),
		rtoMax:         cfg.Ticks(cfg.TcpRtoMax),
		connectTimeout: cfg.Ticks(cfg.ConnectTimeout),
	}
	s.sockets = make([]*Socket, cfg.MaxSockets-config.FirstHandle)
	for i := range s.sockets {
		s.sockets[i] = &Socket{SID: config.FirstHandle + i}
	}
	ip.RegisterRecvHandler(protoTCP, s.HandlePacket)
	ip.OnUnreachable(s.hopUnreachable)
	return s
}

// HandlePacket processes one inbound TCP segment.
func (s *TCPStack) HandlePacket(p *ipstack.Packet) {
	seg, err := parseSegment(p)
	if err != nil {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		s.log.Debug("malformed segment", zap.Stringer("src", p.Header.Src), zap.Error(err))
		return
	}
	if checksum.TCP(p.Header.Src, p.Header.Dst, p.Body) != 0 {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropChecksum).Inc()
		s.log.Debug("bad TCP checksum", zap.Stringer("src", p.Header.Src))
		return
	}
	t := s.demux(seg)
	if t == nil {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropNoSocket).Inc()
		s.log.Debug("no socket for segment",
			zap.Stringer("src", netip.AddrPortFrom(seg.src, seg.srcPort)),
			zap.Uint16("dport", seg.dstPort))
		return
	}
	s.metrics.SegmentsReceived.Inc()
	if ce := s.log.Check(zap.DebugLevel, "rx"); ce != nil {
		ce.Write(
			zap.Stringer("remote", netip.AddrPortFrom(seg.src, seg.srcPort)),
			zap.Stringer("state", t.state),
			zap.Uint32("seq", uint32(seg.seq)),
			zap.Uint32("ack", uint32(seg.ack)),
			zap.Uint8("flags", seg.flags),
			zap.Int("len", len(seg.payload)))
	}
	now := s.d.Now()

	if seg.flags&header.TCPFlagRst != 0 && t.state >= Established {
		if seg.seq.InWindow(t.rcvNxt(), seqnum.Size(max(t.adWin, 1))) {
			s.abort(t, errors.Wrapf(syscall.ECONNRESET, "connection reset by %v", t.remoteAddrPort()))
		}
		return
	}
	if t.state != Listen {
		s.processAck(t, seg, now)
	}
	if t = s.fsm(t, evSegment, seg); t == nil || t.state < Established {
		return
	}
	s.receiveData(t, seg)
}

// demux finds the TCB for seg: a connection matching the 4-tuple,
// including those waiting in a backlog, or else a listener on the
// destination port.
func (s *TCPStack) demux(seg *segment) *tcb {
	var listener *tcb
	for _, sock := range s.sockets {
		if sock.State != SocketTCBCreated {
			continue
		}
		t := sock.tcb
		if t.matches(seg) {
			return t
		}
		for _, c := range sock.backlog {
			if c != nil && c.matches(seg) {
				return c
			}
		}
		if listener == nil && t.state == Listen && t.localPort == seg.dstPort {
			listener = t
		}
	}
	return listener
}

func (t *tcb) matches(seg *segment) bool {
	return t.state != Listen && t.state != Closed &&
		t.localPort == seg.dstPort && t.remotePort == seg.srcPort && t.remoteAddr == seg.src
}

// Tick runs the per-tick work of every TCB: the FSM timer and the
// transmit queue scan.
func (s *TCPStack) Tick(now int64) {
	for _, t := range s.tcbs() {
		if t.released {
			continue
		}
		if t.fsmTimer != 0 && t.fsmTimer < now {
			s.fsm(t, evTimeout, nil)
			continue
		}
		s.scan(t, now)
	}
}

// tcbs returns every live TCB, including backlog entries.
func (s *TCPStack) tcbs() []*tcb {
	var out []*tcb
	for _, sock := range s.sockets {
		if sock.State != SocketTCBCreated {
			continue
		}
		out = append(out, sock.tcb)
		for _, c := range sock.backlog {
			if c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

// release detaches t from its slot. A connection owned by a socket frees
// the socket; a backlog entry frees its backlog slot.
func (s *TCPStack) release(t *tcb) {
	t.released = true
	if l := t.listener; l != nil {
		for i, c := range l.backlog {
			if c == t {
				l.backlog[i] = nil
			}
		}
		return
	}
	if sock := t.sock; sock != nil && sock.tcb == t {
		sock.reset()
	}
}

// hopUnreachable aborts the connection attempts whose next hop failed to
// resolve.
func (s *TCPStack) hopUnreachable(hop netip.Addr) {
	for _, t := range s.tcbs() {
		if t.state != SynSent {
			continue
		}
		if h, err := s.ip.NextHop(t.remoteAddr); err == nil && h == hop {
			s.abort(t, errors.Wrapf(syscall.ECONNREFUSED, "failed to resolve %v", hop))
		}
	}
}

// newTCB creates an active-open TCB for sock.
func (s *TCPStack) newTCB(sock *Socket, remote netip.AddrPort) *tcb {
	t := &tcb{
		sock:       sock,
		localAddr:  sock.LocalAddr,
		localPort:  sock.LocalPort,
		remoteAddr: remote.Addr(),
		remotePort: remote.Port(),
		rto:        s.rtoInit,
	}
	t.allocBuffers(s.cfg.TxBufferSize, s.cfg.RxBufferSize)
	return t
}

// newListener creates a LISTEN TCB for sock.
func (s *TCPStack) newListener(sock *Socket) *tcb {
	return &tcb{
		state:     Listen,
		passive:   true,
		sock:      sock,
		localAddr: sock.LocalAddr,
		localPort: sock.LocalPort,
		rto:       s.rtoInit,
	}
}
