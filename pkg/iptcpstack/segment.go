package iptcpstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rawtcp/pkg/checksum"
	"rawtcp/pkg/ipstack"
)

const protoTCP = uint8(header.TCPProtocolNumber)

// segment is a decoded inbound segment. options and payload alias the
// received frame.
type segment struct {
	src     netip.Addr
	dst     netip.Addr
	srcPort uint16
	dstPort uint16
	seq     seqnum.Value
	ack     seqnum.Value
	flags   uint8
	window  int
	options []byte
	payload []byte
}

func (s *segment) has(flags uint8) bool { return s.flags&flags == flags }

// seqLen is the sequence space the segment occupies.
func (s *segment) seqLen() seqnum.Size {
	n := seqnum.Size(len(s.payload))
	if s.flags&header.TCPFlagSyn != 0 {
		n++
	}
	if s.flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}

func parseSegment(p *ipstack.Packet) (*segment, error) {
	b := p.Body
	if len(b) < header.TCPMinimumSize {
		return nil, errors.Errorf("short segment (%d bytes)", len(b))
	}
	h := header.TCP(b)
	off := int(h.DataOffset())
	if off < header.TCPMinimumSize || off > len(b) {
		return nil, errors.Errorf("bad data offset %d", off)
	}
	return &segment{
		src:     p.Header.Src,
		dst:     p.Header.Dst,
		srcPort: h.SourcePort(),
		dstPort: h.DestinationPort(),
		seq:     seqnum.Value(h.SequenceNumber()),
		ack:     seqnum.Value(h.AckNumber()),
		flags:   h.Flags(),
		window:  int(h.WindowSize()),
		options: b[header.TCPMinimumSize:off],
		payload: b[off:],
	}, nil
}

// peerMSS returns the MSS announced in a SYN, or the TCP default when the
// option is absent.
func peerMSS(seg *segment) int {
	opts := header.ParseSynOptions(seg.options, seg.flags&header.TCPFlagAck != 0)
	return int(opts.MSS)
}

// queueSegment appends a segment carrying flags and payload to the
// transmit queue. SYN and FIN segments announce or consume sequence space
// here; the segment is sent by the next tick.
func (s *TCPStack) queueSegment(t *tcb, flags uint8, payload []byte) *txSegment {
	var opts []byte
	if flags&header.TCPFlagSyn != 0 {
		opts = make([]byte, 4)
		header.EncodeMSSOption(uint32(s.cfg.MSS), opts)
	}
	hlen := header.TCPMinimumSize + len(opts)
	buf := make([]byte, hlen+len(payload))
	copy(buf[header.TCPMinimumSize:], opts)
	copy(buf[hlen:], payload)

	seg := &txSegment{
		fields: header.TCPFields{
			SrcPort:    t.localPort,
			DstPort:    t.remotePort,
			SeqNum:     uint32(t.seqOffs.Add(seqnum.Size(t.sequence))),
			DataOffset: uint8(hlen),
			Flags:      flags,
		},
		buf:        buf,
		payloadLen: len(payload),
		txTime:     -1,
	}
	t.sequence += uint32(seg.seqLen())
	if end := seg.end(); t.sndMax.LessThan(end) {
		t.sndMax = end
	}
	if flags&header.TCPFlagFin != 0 {
		t.finQueued = true
	}
	t.txq = append(t.txq, seg)
	return seg
}

// queueAck queues an ACK-only segment unless an untransmitted segment
// already waits to carry the acknowledgement.
func (s *TCPStack) queueAck(t *tcb) {
	for _, seg := range t.txq {
		if seg.retry == 0 {
			return
		}
	}
	s.queueSegment(t, header.TCPFlagAck, nil)
}

// transmit stamps the current acknowledgement and window into seg and
// hands it to the IP layer.
func (s *TCPStack) transmit(t *tcb, seg *txSegment) error {
	f := seg.fields
	if f.Flags&header.TCPFlagAck != 0 {
		f.AckNum = uint32(t.rcvNxt())
	}
	f.WindowSize = uint16(t.adWin)
	h := header.TCP(seg.buf)
	h.Encode(&f)
	h.SetChecksum(0)
	h.SetChecksum(checksum.TCP(t.localAddr, t.remoteAddr, seg.buf))
	s.metrics.SegmentsSent.Inc()
	if ce := s.log.Check(zap.DebugLevel, "tx"); ce != nil {
		ce.Write(
			zap.Stringer("remote", t.remoteAddrPort()),
			zap.Stringer("state", t.state),
			zap.Uint32("seq", f.SeqNum),
			zap.Uint32("ack", f.AckNum),
			zap.Int("len", seg.payloadLen),
			zap.Int("retry", seg.retry))
	}
	return s.ip.SendIP(t.remoteAddr, protoTCP, seg.buf)
}

// sendReset answers seg with a one-shot RST that is never queued.
func (s *TCPStack) sendReset(seg *segment) {
	f := header.TCPFields{
		SrcPort: seg.dstPort,
		DstPort: seg.srcPort,
	}
	if seg.flags&header.TCPFlagAck != 0 {
		f.SeqNum = uint32(seg.ack)
		f.Flags = header.TCPFlagRst
	} else {
		f.AckNum = uint32(seg.seq.Add(seg.seqLen()))
		f.Flags = header.TCPFlagRst | header.TCPFlagAck
	}
	s.sendControl(seg.dst, seg.src, &f)
}

// resetPeer tells the peer of t that the connection is gone.
func (s *TCPStack) resetPeer(t *tcb) {
	s.sendControl(t.localAddr, t.remoteAddr, &header.TCPFields{
		SrcPort: t.localPort,
		DstPort: t.remotePort,
		SeqNum:  uint32(t.seqOffs.Add(seqnum.Size(t.sequence))),
		AckNum:  uint32(t.rcvNxt()),
		Flags:   header.TCPFlagRst | header.TCPFlagAck,
	})
}

// sendControl sends a header-only segment outside the transmit queue.
func (s *TCPStack) sendControl(src, dst netip.Addr, f *header.TCPFields) {
	f.DataOffset = header.TCPMinimumSize
	b := make([]byte, header.TCPMinimumSize)
	h := header.TCP(b)
	h.Encode(f)
	h.SetChecksum(checksum.TCP(src, dst, b))
	s.metrics.SegmentsSent.Inc()
	if err := s.ip.SendIP(dst, protoTCP, b); err != nil {
		s.log.Debug("failed to send reset", zap.Stringer("remote", dst), zap.Error(err))
	}
}
