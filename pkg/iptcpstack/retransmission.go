package iptcpstack

import (
	"syscall"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RTT estimator gains, in eighths.
const (
	rttAlpha = 1
	rttBeta  = 4
	// rttK weights the deviation in the RTO.
	rttK = 6
)

// scan walks the transmit queue once, sending every eligible segment.
// Segments go out for the first time when they fit the send window and
// again when their RTO has expired. The segment at the head of the queue
// is always eligible so a closed window is probed.
func (s *TCPStack) scan(t *tcb, now int64) {
	if len(t.txq) == 0 {
		return
	}
	limit := t.remoteWin
	if s.cfg.CongestionControl {
		if w := t.cc.window(); w < limit {
			limit = w
		}
	}

	var (
		total    int
		head     = true
		blocked  bool
		karn     bool
		timedOut bool
	)
	for i := 0; i < len(t.txq); {
		seg := t.txq[i]
		if !seg.pureAck() {
			if !head && total >= limit {
				blocked = true
			}
			head = false
			if blocked {
				i++
				continue
			}
			total += seg.payloadLen
			if karn {
				seg.noSample = true
			}
		}
		if seg.retry > 0 && now-seg.txTime < t.rto {
			i++
			continue
		}

		if seg.retry == 0 {
			t.cc.flight += seg.payloadLen
		} else {
			karn = true
			if t.remoteWin > 0 {
				seg.timeouts++
				timedOut = true
			}
			if seg.timeouts > s.cfg.MaxRetries {
				s.log.Debug("retransmission budget exhausted",
					zap.Stringer("remote", t.remoteAddrPort()),
					zap.Uint32("seq", uint32(seg.seq())))
				s.abort(t, errors.Wrap(syscall.ETIMEDOUT, "retransmission limit reached"))
				return
			}
			s.metrics.Retransmissions.Inc()
		}
		seg.retry++
		seg.txTime = now
		if err := s.transmit(t, seg); err != nil {
			if s.sendFailed(t, err) {
				return
			}
		}
		if seg.pureAck() {
			t.txq = append(t.txq[:i], t.txq[i+1:]...)
			continue
		}
		i++
	}

	if timedOut {
		s.backoff(t)
		if s.cfg.CongestionControl && t.state >= Established {
			t.cc.onTimeout(t.mss)
		}
	}
}

// backoff doubles the RTO up to the configured maximum and discards the
// RTT estimate. Probes of a closed window never back off.
func (s *TCPStack) backoff(t *tcb) {
	t.rto *= 2
	if t.rto > s.rtoMax {
		t.rto = s.rtoMax
	}
	t.rttEst = 0
	s.metrics.RTOBackoffs.Inc()
	s.log.Debug("rto backoff", zap.Stringer("remote", t.remoteAddrPort()), zap.Int64("rto", t.rto))
}

// sendFailed handles an error from the IP layer. It reports whether the
// connection was aborted.
func (s *TCPStack) sendFailed(t *tcb, err error) bool {
	if t.state == SynSent {
		s.abort(t, errors.Wrapf(syscall.ECONNREFUSED, "failed to reach %v: %v", t.remoteAddr, err))
		return true
	}
	s.log.Debug("failed to send segment", zap.Stringer("remote", t.remoteAddrPort()), zap.Error(err))
	return false
}

// updateRTT folds a round trip sample, in ticks, into the estimator and
// recomputes the RTO.
func (s *TCPStack) updateRTT(t *tcb, rtt int64) {
	if t.rttEst == 0 {
		t.rttEst = rtt
		t.rttDev = rtt / 2
	} else {
		d := rtt - t.rttEst
		if d < 0 {
			d = -d
		}
		t.rttDev = ((8-rttBeta)*t.rttDev + rttBeta*d) >> 3
		t.rttEst = ((8-rttAlpha)*t.rttEst + rttAlpha*rtt) >> 3
	}
	rto := t.rttEst + rttK*t.rttDev
	switch {
	case rto < s.rtoMin:
		rto = s.rtoMin
	case rto > s.rtoMax:
		rto = s.rtoMax
	}
	t.rto = rto
}

// processAck removes the segments covered by an inbound acknowledgement,
// samples the round trip time and drives congestion control.
func (s *TCPStack) processAck(t *tcb, seg *segment, now int64) {
	if seg.flags&header.TCPFlagAck == 0 {
		return
	}
	ack := seg.ack
	if !ack.InRange(t.una(), t.sndMax.Add(1)) {
		return
	}

	advanced := t.una() != ack
	dup := !advanced && ack == t.lastAck && len(seg.payload) == 0 &&
		seg.window == t.lastWin && seg.flags&(header.TCPFlagSyn|header.TCPFlagFin) == 0 &&
		t.outstanding()

	var sample *txSegment
	kept := t.txq[:0]
	acking := true
	for _, x := range t.txq {
		if acking && !x.pureAck() {
			if x.retry > 0 && x.end().LessThanEq(ack) {
				t.releaseTx(x.payloadLen)
				t.cc.flight -= x.payloadLen
				if x.payloadLen > 0 {
					sample = x
				}
				continue
			}
			acking = false
		}
		kept = append(kept, x)
	}
	for i := len(kept); i < len(t.txq); i++ {
		t.txq[i] = nil
	}
	t.txq = kept
	if t.cc.flight < 0 {
		t.cc.flight = 0
	}

	if sample != nil && sample.retry == 1 && !sample.noSample {
		s.updateRTT(t, now-sample.txTime)
	}

	t.remoteWin = seg.window
	t.lastAck = ack
	t.lastWin = seg.window

	if s.cfg.CongestionControl && t.state >= Established {
		if t.cc.onAck(t.mss, advanced, dup) {
			s.fastRetransmit(t, now)
		}
	}
}

// fastRetransmit resends the oldest unacknowledged segment at once.
func (s *TCPStack) fastRetransmit(t *tcb, now int64) {
	for _, seg := range t.txq {
		if seg.pureAck() || seg.retry == 0 {
			continue
		}
		seg.retry++
		seg.txTime = now
		s.metrics.FastRetransmits.Inc()
		s.log.Debug("fast retransmit",
			zap.Stringer("remote", t.remoteAddrPort()),
			zap.Uint32("seq", uint32(seg.seq())))
		if err := s.transmit(t, seg); err != nil {
			s.sendFailed(t, err)
		}
		return
	}
}
