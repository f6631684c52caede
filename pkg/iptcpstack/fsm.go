package iptcpstack

import (
	"syscall"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type event int

const (
	evActiveOpen event = iota
	evSegment
	evClose
	evTimeout
)

func (s *TCPStack) setState(t *tcb, st State) {
	if t.state == st {
		return
	}
	s.log.Debug("state change",
		zap.Stringer("local", t.localAddrPort()),
		zap.Stringer("remote", t.remoteAddrPort()),
		zap.Stringer("from", t.state),
		zap.Stringer("to", st))
	t.state = st
}

// fsm applies ev to t. For a segment that completes a passive open it
// returns the TCB now waiting in the backlog, which takes over the rest of
// the segment's processing; it returns nil when the segment was consumed.
func (s *TCPStack) fsm(t *tcb, ev event, seg *segment) *tcb {
	switch t.state {
	case Closed:
		if ev == evActiveOpen {
			s.activeOpen(t)
		}

	case Listen:
		if ev == evSegment && seg.flags&(header.TCPFlagSyn|header.TCPFlagAck|header.TCPFlagRst) == header.TCPFlagSyn {
			s.passiveOpen(t, seg)
		}

	case SynSent:
		if ev != evSegment {
			break
		}
		synAcked := seg.ack == t.iss.Add(1)
		switch {
		case seg.has(header.TCPFlagSyn|header.TCPFlagAck) && synAcked:
			t.seqOffs = t.iss.Add(1)
			t.sequence = 0
			t.ackOffs = seg.seq.Add(1)
			t.mss = min(s.cfg.MSS, peerMSS(seg))
			t.cc.init(t.mss)
			s.setState(t, Established)
			s.queueAck(t)
		case seg.has(header.TCPFlagRst|header.TCPFlagAck) && synAcked:
			s.abort(t, errors.Wrapf(syscall.ECONNREFUSED, "connection to %v refused", t.remoteAddrPort()))
		}

	case SynReceived:
		if ev != evSegment {
			break
		}
		switch {
		case seg.flags&header.TCPFlagRst != 0:
			s.resetListener(t)
			return nil
		case seg.flags&(header.TCPFlagSyn|header.TCPFlagAck) == header.TCPFlagAck && seg.ack == t.iss.Add(1):
			return s.promote(t, seg)
		}

	case Established:
		switch {
		case ev == evSegment && seg.flags&header.TCPFlagFin != 0:
			s.setState(t, CloseWait)
		case ev == evClose:
			s.queueSegment(t, header.TCPFlagFin|header.TCPFlagAck, nil)
			s.setState(t, FinWait1)
		}

	case FinWait1:
		if ev != evSegment {
			break
		}
		acked := seg.flags&header.TCPFlagAck != 0 && t.ackedFin(seg.ack)
		switch {
		case seg.flags&header.TCPFlagFin != 0 && acked:
			s.enterTimeWait(t)
		case seg.flags&header.TCPFlagFin != 0:
			s.setState(t, Closing)
		case acked:
			s.setState(t, FinWait2)
		}

	case FinWait2:
		if ev == evSegment && seg.flags&header.TCPFlagFin != 0 {
			s.enterTimeWait(t)
		}

	case Closing:
		if ev == evSegment && seg.flags&header.TCPFlagAck != 0 && t.ackedFin(seg.ack) {
			s.enterTimeWait(t)
		}

	case CloseWait:
		if ev == evClose {
			s.queueSegment(t, header.TCPFlagFin|header.TCPFlagAck, nil)
			s.setState(t, LastAck)
		}

	case LastAck:
		if ev == evSegment && seg.flags&header.TCPFlagAck != 0 && t.ackedFin(seg.ack) {
			s.setState(t, Closed)
			s.release(t)
		}

	case TimeWait:
		if ev == evTimeout {
			t.fsmTimer = 0
			s.setState(t, Closed)
			s.release(t)
		}
	}
	return t
}

// activeOpen picks the ISN and queues the SYN.
func (s *TCPStack) activeOpen(t *tcb) {
	s.initSequence(t)
	t.mss = s.cfg.MSS
	s.queueSegment(t, header.TCPFlagSyn, nil)
	s.setState(t, SynSent)
}

// passiveOpen turns the listening TCB into the half-open connection for
// seg and queues the SYN|ACK.
func (s *TCPStack) passiveOpen(t *tcb, seg *segment) {
	t.remoteAddr = seg.src
	t.remotePort = seg.srcPort
	t.localAddr = seg.dst
	t.allocBuffers(s.cfg.TxBufferSize, s.cfg.RxBufferSize)
	t.remoteWin = seg.window
	t.ackOffs = seg.seq.Add(1)
	t.mss = min(s.cfg.MSS, peerMSS(seg))
	s.initSequence(t)
	s.queueSegment(t, header.TCPFlagSyn|header.TCPFlagAck, nil)
	s.setState(t, SynReceived)
}

// initSequence picks a random ISN. The SYN is sent at stream offset zero
// relative to the ISN; seqOffs moves past it once the handshake completes.
func (s *TCPStack) initSequence(t *tcb) {
	t.iss = seqnum.Value(s.rng.Uint32())
	t.seqOffs = t.iss
	t.sequence = 0
	t.sndMax = t.iss
	t.rto = s.rtoInit
}

// promote completes a passive open. The connection moves into a free
// backlog slot as ESTABLISHED and the listener gets a fresh LISTEN TCB.
// Without a free slot the peer is reset.
func (s *TCPStack) promote(t *tcb, seg *segment) *tcb {
	sock := t.sock
	slot := -1
	for i, c := range sock.backlog {
		if c == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		s.log.Debug("backlog full", zap.Stringer("remote", t.remoteAddrPort()))
		s.sendReset(seg)
		s.resetListener(t)
		return nil
	}

	t.seqOffs = t.iss.Add(1)
	t.sequence = 0
	t.cc.init(t.mss)
	t.passive = false
	t.sock = nil
	t.listener = sock
	s.setState(t, Established)
	sock.backlog[slot] = t
	sock.tcb = s.newListener(sock)
	return t
}

// resetListener discards the half-open connection held by a listening
// socket and returns it to LISTEN.
func (s *TCPStack) resetListener(t *tcb) {
	t.released = true
	if sock := t.sock; sock != nil && sock.tcb == t {
		sock.tcb = s.newListener(sock)
	}
}

// enterTimeWait discards everything still queued and arms the TIME_WAIT
// timer. A FIN already received is acknowledged again.
func (s *TCPStack) enterTimeWait(t *tcb) {
	t.discardTx()
	if t.hasStreamEnd && t.cumAck > t.streamEnd {
		s.queueAck(t)
	}
	t.fsmTimer = s.d.Now() + 4*t.rto
	s.setState(t, TimeWait)
}

// abort closes t at once, recording err for the application.
func (s *TCPStack) abort(t *tcb, err error) {
	if t.passive {
		s.log.Debug("half-open connection dropped", zap.Stringer("remote", t.remoteAddrPort()), zap.Error(err))
		s.resetListener(t)
		return
	}
	s.metrics.ConnAborts.Inc()
	s.log.Info("connection aborted",
		zap.Stringer("local", t.localAddrPort()),
		zap.Stringer("remote", t.remoteAddrPort()),
		zap.Error(err))
	t.err = err
	t.discardTx()
	t.fsmTimer = 0
	s.setState(t, Closed)
	if t.appClosed || t.listener != nil {
		s.release(t)
	}
}
