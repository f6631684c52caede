package iptcpstack

import (
	"github.com/google/netstack/tcpip/header"
	"go.uber.org/zap"
)

// receiveData places the payload and FIN of seg in the receive stream,
// advances the cumulative acknowledgement over every contiguous span and
// queues the ACK. Duplicates and segments outside the window are
// acknowledged and dropped.
func (s *TCPStack) receiveData(t *tcb, seg *segment) {
	fin := seg.flags&header.TCPFlagFin != 0
	payload := seg.payload
	if len(payload) == 0 && !fin {
		return
	}
	defer s.queueAck(t)

	offs := uint32(seg.seq) - uint32(t.ackOffs)
	size := uint32(len(payload))
	if rel := int32(offs - t.cumAck); rel < 0 {
		skip := uint32(-rel)
		switch {
		case skip < size:
			payload = payload[skip:]
		case skip == size && fin:
			payload = nil
		default:
			return
		}
		size = uint32(len(payload))
		offs = t.cumAck
	}

	rxSize := uint32(len(t.rxBuf))
	if offs+size-t.rxWinStart > rxSize {
		s.log.Debug("segment outside receive window",
			zap.Stringer("remote", t.remoteAddrPort()),
			zap.Uint32("offset", offs),
			zap.Uint32("size", size))
		return
	}

	span := rxSpan{offs: offs, size: size}
	if fin {
		span.size++
	}
	if old, ok := t.ooo.Get(span); ok && old.size >= span.size {
		return
	}
	if size > 0 {
		start := offs % rxSize
		n := copy(t.rxBuf[start:], payload)
		copy(t.rxBuf, payload[n:])
	}
	if fin {
		t.streamEnd = offs + size
		t.hasStreamEnd = true
	}
	t.ooo.ReplaceOrInsert(span)

	for {
		first, ok := t.ooo.Min()
		if !ok || first.offs > t.cumAck {
			break
		}
		t.ooo.DeleteMin()
		if end := first.offs + first.size; end > t.cumAck {
			t.cumAck = end
		}
	}
	t.updateWindow()
}
