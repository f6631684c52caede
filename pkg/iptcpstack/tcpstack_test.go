package iptcpstack

import (
	"context"
	"io"
	"net/netip"
	"syscall"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rawtcp/pkg/config"
)

func TestActiveOpenAndSend(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	c.Assert(sid, qt.Equals, config.FirstHandle)

	st, err := h.tcp.State(sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, Established)

	data := make([]byte, 150)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := h.tcp.Write(context.Background(), sid, data)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 150)

	// The initial congestion window holds one segment.
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Seq, qt.Equals, iss+1)
	c.Assert(segs[0].Payload, qt.DeepEquals, data[:100])

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 101})
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Seq, qt.Equals, iss+101)
	c.Assert(segs[0].Payload, qt.DeepEquals, data[100:])
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+1))
}

func TestWriteWithoutCongestionControl(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, func(cfg *config.Config) { cfg.CongestionControl = false })
	sid, iss := h.connect(c)

	n, err := h.tcp.Write(context.Background(), sid, make([]byte, 150))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 150)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 2)
	c.Assert(segs[0].Seq, qt.Equals, iss+1)
	c.Assert(segs[0].Payload, qt.HasLen, 100)
	c.Assert(segs[1].Seq, qt.Equals, iss+101)
	c.Assert(segs[1].Payload, qt.HasLen, 50)
}

func TestPassiveOpen(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	h.localPort = 80

	lsid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	c.Assert(h.tcp.Bind(lsid, netip.AddrPortFrom(netip.IPv4Unspecified(), 80)), qt.IsNil)
	c.Assert(h.tcp.Listen(lsid, 1), qt.IsNil)

	type accepted struct {
		sid    int
		remote netip.AddrPort
		err    error
	}
	acc := make(chan accepted, 1)
	go func() {
		sid, remote, err := h.tcp.Accept(context.Background(), lsid)
		acc <- accepted{sid, remote, err}
	}()

	h.inject(c, peerSeg{flags: header.TCPFlagSyn, seq: peerISS, mss: testMSS})
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	synack := segs[0]
	c.Assert(synack.SYN && synack.ACK, qt.IsTrue)
	c.Assert(synack.Ack, qt.Equals, uint32(peerISS+1))
	c.Assert(uint16(synack.SrcPort), qt.Equals, uint16(80))

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: synack.Seq + 1})
	a := <-acc
	c.Assert(a.err, qt.IsNil)
	c.Assert(a.sid, qt.Equals, lsid+1)
	c.Assert(a.remote, qt.Equals, netip.AddrPortFrom(peerIP, peerPort))

	st, err := h.tcp.State(a.sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, Established)
	st, err = h.tcp.State(lsid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, Listen)

	h.inject(c, peerSeg{flags: header.TCPFlagAck | header.TCPFlagPsh, seq: peerISS + 1, ack: synack.Seq + 1, payload: []byte("hello")})
	buf := make([]byte, 16)
	n, err := h.tcp.Read(context.Background(), a.sid, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "hello")

	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.Not(qt.HasLen), 0)
	c.Assert(segs[len(segs)-1].Ack, qt.Equals, uint32(peerISS+6))

	sockets, err := h.tcp.Sockets()
	c.Assert(err, qt.IsNil)
	c.Assert(sockets, qt.HasLen, 2)
	c.Assert(sockets[1].Remote, qt.Equals, netip.AddrPortFrom(peerIP, peerPort))
	c.Assert(sockets[1].TCPState, qt.Equals, Established)
}

func TestBacklogFullResets(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	h.localPort = 80
	lsid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	c.Assert(h.tcp.Bind(lsid, netip.AddrPortFrom(localIP, 80)), qt.IsNil)
	c.Assert(h.tcp.Listen(lsid, 1), qt.IsNil)

	handshake := func() uint32 {
		h.inject(c, peerSeg{flags: header.TCPFlagSyn, seq: peerISS, mss: testMSS})
		h.tick(c, 1)
		segs := h.drain()
		c.Assert(segs, qt.HasLen, 1)
		return segs[0].Seq
	}
	s1 := handshake()
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: s1 + 1})

	// A second connection from the same peer port cannot take the
	// occupied backlog slot, so its completing ACK is answered by a reset.
	c.Assert(h.d.Do(func() {
		sock, _ := h.tcp.lookup(lsid)
		sock.backlog[0].remotePort = 1
	}), qt.IsNil)
	s2 := handshake()
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: s2 + 1})
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].RST, qt.IsTrue)
	st, err := h.tcp.State(lsid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, Listen)
}

func TestReceiveReorderedAndDuplicate(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	ack := iss + 1

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 6, ack: ack, payload: []byte("world")})
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+1))

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: ack, payload: []byte("hello")})
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: ack, payload: []byte("hello")})
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+11))

	buf := make([]byte, 32)
	n, err := h.tcp.Read(context.Background(), sid, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "helloworld")
}

func TestPassiveClose(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	ack := iss + 1

	h.inject(c, peerSeg{flags: header.TCPFlagAck | header.TCPFlagFin, seq: peerISS + 1, ack: ack, payload: []byte("bye")})
	st, err := h.tcp.State(sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, CloseWait)

	buf := make([]byte, 8)
	n, err := h.tcp.Read(context.Background(), sid, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "bye")
	_, err = h.tcp.Read(context.Background(), sid, buf)
	c.Assert(err, qt.Equals, io.EOF)

	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+5))

	c.Assert(h.tcp.Close(sid), qt.IsNil)
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].FIN, qt.IsTrue)
	c.Assert(segs[0].Seq, qt.Equals, ack)
	st, err = h.tcp.State(sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, LastAck)

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 5, ack: ack + 1})
	_, err = h.tcp.State(sid)
	c.Assert(errors.Is(err, syscall.EBADF), qt.IsTrue)
}

func TestActiveCloseTimeWait(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	ack := iss + 1

	c.Assert(h.tcp.Close(sid), qt.IsNil)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].FIN, qt.IsTrue)

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: ack + 1})
	st, _ := h.tcp.State(sid)
	c.Assert(st, qt.Equals, FinWait2)

	h.inject(c, peerSeg{flags: header.TCPFlagAck | header.TCPFlagFin, seq: peerISS + 1, ack: ack + 1})
	st, _ = h.tcp.State(sid)
	c.Assert(st, qt.Equals, TimeWait)
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+2))

	// A retransmitted FIN is acknowledged again.
	h.inject(c, peerSeg{flags: header.TCPFlagAck | header.TCPFlagFin, seq: peerISS + 1, ack: ack + 1})
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+2))

	// TIME_WAIT lasts four RTOs.
	h.tick(c, 4*10)
	_, err := h.tcp.State(sid)
	c.Assert(errors.Is(err, syscall.EBADF), qt.IsTrue)
}

func TestSimultaneousClose(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	ack := iss + 1

	c.Assert(h.tcp.Close(sid), qt.IsNil)
	h.tick(c, 1)
	h.drain()
	h.inject(c, peerSeg{flags: header.TCPFlagAck | header.TCPFlagFin, seq: peerISS + 1, ack: ack})
	st, _ := h.tcp.State(sid)
	c.Assert(st, qt.Equals, Closing)
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 2, ack: ack + 1})
	st, _ = h.tcp.State(sid)
	c.Assert(st, qt.Equals, TimeWait)
}

func TestRetransmissionBackoff(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)

	_, err := h.tcp.Write(context.Background(), sid, []byte("payload"))
	c.Assert(err, qt.IsNil)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)

	h.tick(c, 9)
	c.Assert(h.drain(), qt.HasLen, 0)
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Seq, qt.Equals, iss+1)
	c.Assert(string(segs[0].Payload), qt.Equals, "payload")
	c.Assert(testutil.ToFloat64(h.m.Retransmissions), qt.Equals, 1.0)

	// The RTO has doubled.
	h.tick(c, 19)
	c.Assert(h.drain(), qt.HasLen, 0)
	h.tick(c, 1)
	c.Assert(h.drain(), qt.HasLen, 1)
	c.Assert(testutil.ToFloat64(h.m.RTOBackoffs), qt.Equals, 2.0)

	tc := h.tcbOf(c, sid)
	var rto int64
	c.Assert(h.d.Do(func() { rto = tc.rto }), qt.IsNil)
	c.Assert(rto, qt.Equals, int64(40))

	// Karn: the acknowledgement of a retransmitted segment is not sampled.
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 8})
	var rttEst int64
	c.Assert(h.d.Do(func() { rto, rttEst = tc.rto, tc.rttEst }), qt.IsNil)
	c.Assert(rttEst, qt.Equals, int64(0))
	c.Assert(rto, qt.Equals, int64(40))
}

func TestRetryLimitAborts(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, func(cfg *config.Config) {
		cfg.MaxRetries = 2
		cfg.TcpRtoMax = 10 * time.Millisecond
	})
	sid, _ := h.connect(c)
	_, err := h.tcp.Write(context.Background(), sid, []byte("x"))
	c.Assert(err, qt.IsNil)
	h.tick(c, 40)

	st, err := h.tcp.State(sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, Closed)
	_, err = h.tcp.Read(context.Background(), sid, make([]byte, 1))
	c.Assert(errors.Is(err, syscall.ETIMEDOUT), qt.IsTrue)
	c.Assert(testutil.ToFloat64(h.m.ConnAborts), qt.Equals, 1.0)
}

func TestRTTSample(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	_, err := h.tcp.Write(context.Background(), sid, []byte("abc"))
	c.Assert(err, qt.IsNil)
	h.tick(c, 1)
	c.Assert(h.drain(), qt.HasLen, 1)
	h.tick(c, 4)
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 4})

	tc := h.tcbOf(c, sid)
	var est, dev, rto int64
	c.Assert(h.d.Do(func() { est, dev, rto = tc.rttEst, tc.rttDev, tc.rto }), qt.IsNil)
	c.Assert(est, qt.Equals, int64(4))
	c.Assert(dev, qt.Equals, int64(2))
	// 4 + 6*2 = 16 ticks, inside [10, 80].
	c.Assert(rto, qt.Equals, int64(16))
}

func TestRTTSmoothing(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, _ := h.connect(c)
	tc := h.tcbOf(c, sid)

	// The deviation is measured against the estimate before the sample.
	var est, dev, rto int64
	c.Assert(h.d.Do(func() {
		tc.rttEst, tc.rttDev = 8, 2
		h.tcp.updateRTT(tc, 16)
		est, dev, rto = tc.rttEst, tc.rttDev, tc.rto
	}), qt.IsNil)
	c.Assert(est, qt.Equals, int64(9))
	c.Assert(dev, qt.Equals, int64(5))
	c.Assert(rto, qt.Equals, int64(39))
}

func TestFastRetransmit(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	tc := h.tcbOf(c, sid)
	c.Assert(h.d.Do(func() {
		tc.cc.state = congAvoid
		tc.cc.cwnd = 400
	}), qt.IsNil)

	_, err := h.tcp.Write(context.Background(), sid, make([]byte, 600))
	c.Assert(err, qt.IsNil)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 4)

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 101})
	for i := 0; i < 3; i++ {
		h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 101})
	}
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Seq, qt.Equals, iss+101)
	c.Assert(testutil.ToFloat64(h.m.FastRetransmits), qt.Equals, 1.0)

	var cc congestion
	c.Assert(h.d.Do(func() { cc = tc.cc }), qt.IsNil)
	c.Assert(cc.state, qt.Equals, fastRecovery)
	c.Assert(cc.ssthresh, qt.Equals, 200)
	c.Assert(cc.cwnd, qt.Equals, 500)
}

func TestConnectRefused(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	errc := make(chan error, 1)
	go func() {
		errc <- h.tcp.Connect(context.Background(), sid, netip.AddrPortFrom(peerIP, peerPort))
	}()
	syn := h.tickUntilSent(c)[0]
	h.localPort = uint16(syn.SrcPort)
	h.inject(c, peerSeg{flags: header.TCPFlagRst | header.TCPFlagAck, ack: syn.Seq + 1})
	err = <-errc
	c.Assert(errors.Is(err, syscall.ECONNREFUSED), qt.IsTrue, qt.Commentf("%v", err))
}

func TestConnectTimeout(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, func(cfg *config.Config) { cfg.ConnectTimeout = 30 * time.Millisecond })
	sid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	errc := make(chan error, 1)
	go func() {
		errc <- h.tcp.Connect(context.Background(), sid, netip.AddrPortFrom(peerIP, peerPort))
	}()
	h.tickUntilSent(c)
	for {
		select {
		case err := <-errc:
			c.Assert(errors.Is(err, syscall.ETIMEDOUT), qt.IsTrue, qt.Commentf("%v", err))
			return
		default:
			h.tick(c, 1)
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestConnectUnresolvable(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	errc := make(chan error, 1)
	go func() {
		errc <- h.tcp.Connect(context.Background(), sid, netip.MustParseAddrPort("10.1.0.99:80"))
	}()
	for {
		select {
		case err := <-errc:
			c.Assert(errors.Is(err, syscall.ECONNREFUSED), qt.IsTrue, qt.Commentf("%v", err))
			return
		default:
			h.tick(c, 1)
			time.Sleep(100 * time.Microsecond)
		}
	}
}

func TestResetAbortsConnection(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)
	h.inject(c, peerSeg{flags: header.TCPFlagRst, seq: peerISS + 1, ack: iss + 1})
	_, err := h.tcp.Read(context.Background(), sid, make([]byte, 4))
	c.Assert(errors.Is(err, syscall.ECONNRESET), qt.IsTrue)
	_, err = h.tcp.Write(context.Background(), sid, []byte("x"))
	c.Assert(errors.Is(err, syscall.ECONNRESET), qt.IsTrue)
}

func TestZeroWindowProbe(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, func(cfg *config.Config) { cfg.MaxRetries = 1 })
	sid, iss := h.connect(c)
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 1, win: 1})
	c.Assert(h.d.Do(func() { h.tcb0(sid).remoteWin = 0 }), qt.IsNil)

	_, err := h.tcp.Write(context.Background(), sid, make([]byte, 250))
	c.Assert(err, qt.IsNil)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)

	// Probes against a closed window do not use up the retry budget and
	// leave the RTO and the congestion state alone.
	h.tick(c, 200)
	st, _ := h.tcp.State(sid)
	c.Assert(st, qt.Equals, Established)
	c.Assert(testutil.ToFloat64(h.m.Retransmissions), qt.Equals, 20.0)
	c.Assert(testutil.ToFloat64(h.m.RTOBackoffs), qt.Equals, 0.0)

	tc := h.tcbOf(c, sid)
	var (
		rto      int64
		ssthresh int
	)
	c.Assert(h.d.Do(func() { rto, ssthresh = tc.rto, tc.cc.ssthresh }), qt.IsNil)
	c.Assert(rto, qt.Equals, int64(10))
	c.Assert(ssthresh, qt.Equals, initialSsthreshSegments*testMSS)
}

func (h *harness) tcb0(sid int) *tcb {
	return h.tcp.sockets[sid-config.FirstHandle].tcb
}

func TestReadCancel(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, _ := h.connect(c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.tcp.Read(ctx, sid, make([]byte, 4))
	c.Assert(err, qt.Equals, context.DeadlineExceeded)
}

func TestActiveOpenSequenceNumbers(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	sid, iss := h.connect(c)

	_, err := h.tcp.Write(context.Background(), sid, []byte("hi"))
	c.Assert(err, qt.IsNil)
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].Seq, qt.Equals, iss+1)
	c.Assert(string(segs[0].Payload), qt.Equals, "hi")

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 3})
	c.Assert(h.tcp.Close(sid), qt.IsNil)
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].FIN, qt.IsTrue)
	c.Assert(segs[0].Seq, qt.Equals, iss+3)

	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: iss + 4})
	st, err := h.tcp.State(sid)
	c.Assert(err, qt.IsNil)
	c.Assert(st, qt.Equals, FinWait2)
}

// listenAndSyn opens a listener on port 80 with the given backlog and
// answers a SYN from the peer. It returns the listener and the SYN|ACK.
func (h *harness) listenAndSyn(c *qt.C, backlog int) (int, *layers.TCP) {
	c.Helper()
	h.localPort = 80
	lsid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	c.Assert(h.tcp.Bind(lsid, netip.AddrPortFrom(netip.IPv4Unspecified(), 80)), qt.IsNil)
	c.Assert(h.tcp.Listen(lsid, backlog), qt.IsNil)

	h.inject(c, peerSeg{flags: header.TCPFlagSyn, seq: peerISS, mss: testMSS})
	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].SYN && segs[0].ACK, qt.IsTrue)
	return lsid, segs[0]
}

func TestHandshakeAckCarriesData(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	lsid, synack := h.listenAndSyn(c, 1)

	h.inject(c, peerSeg{
		flags:   header.TCPFlagAck | header.TCPFlagPsh,
		seq:     peerISS + 1,
		ack:     synack.Seq + 1,
		payload: []byte("early"),
	})
	sid, _, err := h.tcp.Accept(context.Background(), lsid)
	c.Assert(err, qt.IsNil)

	buf := make([]byte, 16)
	n, err := h.tcp.Read(context.Background(), sid, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "early")

	h.tick(c, 1)
	segs := h.drain()
	c.Assert(segs, qt.Not(qt.HasLen), 0)
	c.Assert(segs[len(segs)-1].Seq, qt.Equals, synack.Seq+1)
	c.Assert(segs[len(segs)-1].Ack, qt.Equals, uint32(peerISS+6))
}

func TestCloseListenerResetsBacklog(t *testing.T) {
	c := qt.New(t)
	h := newHarness(c, nil)
	lsid, synack := h.listenAndSyn(c, 1)
	h.inject(c, peerSeg{flags: header.TCPFlagAck, seq: peerISS + 1, ack: synack.Seq + 1})
	c.Assert(h.drain(), qt.HasLen, 0)

	c.Assert(h.tcp.Close(lsid), qt.IsNil)
	segs := h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].RST && segs[0].ACK, qt.IsTrue)
	c.Assert(segs[0].Seq, qt.Equals, synack.Seq+1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+1))

	h.tick(c, 5)
	c.Assert(h.drain(), qt.HasLen, 0)
	sockets, err := h.tcp.Sockets()
	c.Assert(err, qt.IsNil)
	c.Assert(sockets, qt.HasLen, 0)
}
