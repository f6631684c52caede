package iptcpstack

import (
	"net/netip"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/smallnest/ringbuffer"
)

// State is the state of a TCB.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECEIVED",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT_1",
	FinWait2:    "FIN_WAIT_2",
	CloseWait:   "CLOSE_WAIT",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// txSegment is one queued segment. buf holds the encoded header, options
// and payload; the ACK, window and checksum fields are rewritten on every
// transmission.
type txSegment struct {
	fields     header.TCPFields
	buf        []byte
	payloadLen int
	txTime     int64
	// retry counts transmissions.
	retry int
	// timeouts counts retransmissions against an open window.
	timeouts int
	// noSample excludes the segment from RTT estimation.
	noSample bool
}

func (s *txSegment) seq() seqnum.Value { return seqnum.Value(s.fields.SeqNum) }

func (s *txSegment) seqLen() seqnum.Size {
	n := seqnum.Size(s.payloadLen)
	if s.fields.Flags&header.TCPFlagSyn != 0 {
		n++
	}
	if s.fields.Flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}

func (s *txSegment) end() seqnum.Value { return s.seq().Add(s.seqLen()) }

// pureAck reports whether the segment occupies no sequence space.
func (s *txSegment) pureAck() bool { return s.seqLen() == 0 }

// rxSpan is an out-of-order span of the receive stream. A FIN adds one to
// size.
type rxSpan struct {
	offs uint32
	size uint32
}

func rxSpanLess(a, b rxSpan) bool { return a.offs < b.offs }

type tcb struct {
	state State
	// sock owns the TCB; nil while it waits in a listener's backlog.
	sock *Socket
	// listener owns the TCB while it waits in its backlog.
	listener *Socket
	// passive marks the TCB created by listen.
	passive bool
	// released is set once the TCB no longer belongs to any slot.
	released bool

	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16

	iss seqnum.Value
	// seqOffs and ackOffs map 0-based stream offsets onto sequence numbers.
	seqOffs  seqnum.Value
	ackOffs  seqnum.Value
	sequence uint32
	sndMax   seqnum.Value

	txq     []*txSegment
	txBuf   *ringbuffer.RingBuffer
	scratch []byte

	rxBuf        []byte
	ooo          *btree.BTreeG[rxSpan]
	rxWinStart   uint32
	cumAck       uint32
	streamEnd    uint32
	hasStreamEnd bool
	adWin        int

	remoteWin int
	lastAck   seqnum.Value
	lastWin   int
	finQueued bool

	mss    int
	rto    int64
	rttEst int64
	rttDev int64
	cc     congestion

	fsmTimer int64

	err       error
	appClosed bool
}

// allocBuffers gives the TCB its transmit and receive buffers.
func (t *tcb) allocBuffers(txSize, rxSize int) {
	t.txBuf = ringbuffer.New(txSize)
	t.rxBuf = make([]byte, rxSize)
	t.ooo = btree.NewG[rxSpan](8, rxSpanLess)
	t.adWin = rxSize
	t.remoteWin = rxSize
}

// rcvNxt is the next sequence number expected from the peer.
func (t *tcb) rcvNxt() seqnum.Value {
	return t.ackOffs.Add(seqnum.Size(t.cumAck))
}

// una is the oldest unacknowledged sequence number.
func (t *tcb) una() seqnum.Value {
	for _, seg := range t.txq {
		if !seg.pureAck() {
			return seg.seq()
		}
	}
	return t.sndMax
}

// ackedFin reports whether ack covers our FIN.
func (t *tcb) ackedFin(ack seqnum.Value) bool {
	return t.finQueued && ack == t.seqOffs.Add(seqnum.Size(t.sequence))
}

// outstanding reports whether data has been sent and not acknowledged.
func (t *tcb) outstanding() bool {
	for _, seg := range t.txq {
		if !seg.pureAck() && seg.retry > 0 {
			return true
		}
	}
	return false
}

// available is the number of in-order bytes not yet read.
func (t *tcb) available() int {
	n := t.cumAck - t.rxWinStart
	if t.hasStreamEnd && t.cumAck > t.streamEnd {
		n--
	}
	return int(n)
}

// atEOF reports whether the peer's FIN has been received and every byte
// before it has been read.
func (t *tcb) atEOF() bool {
	return t.hasStreamEnd && t.cumAck > t.streamEnd && t.rxWinStart == t.streamEnd
}

func (t *tcb) updateWindow() {
	w := len(t.rxBuf) - int(t.cumAck-t.rxWinStart)
	if w < 0 {
		w = 0
	}
	t.adWin = w
}

func (t *tcb) writable() bool {
	return !t.released && (t.state == Established || t.state == CloseWait)
}

func (t *tcb) readable() bool {
	return t.released || t.state == Closed || t.available() > 0 || t.atEOF()
}

// discardTx drops every queued segment and the bytes they held.
func (t *tcb) discardTx() {
	t.txq = nil
	if t.txBuf != nil {
		t.txBuf.Reset()
	}
	t.cc.flight = 0
}

// releaseTx removes n acknowledged bytes from the transmit buffer.
func (t *tcb) releaseTx(n int) {
	if n == 0 {
		return
	}
	if len(t.scratch) < n {
		t.scratch = make([]byte, n)
	}
	t.txBuf.Read(t.scratch[:n])
}

func (t *tcb) localAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.localAddr, t.localPort)
}

func (t *tcb) remoteAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.remoteAddr, t.remotePort)
}
