package iptcpstack

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"

	"rawtcp/pkg/config"
	"rawtcp/pkg/dispatch"
	"rawtcp/pkg/ipstack"
	"rawtcp/pkg/link/channel"
	"rawtcp/pkg/metrics"
)

var (
	localMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	peerMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x07}
	localIP  = netip.MustParseAddr("10.1.0.2")
	peerIP   = netip.MustParseAddr("10.1.0.7")
)

const (
	peerPort = 4000
	peerISS  = 5000
	peerWin  = 60000
	testMSS  = 100
)

// harness drives one stack by hand. The test plays the peer: it injects
// frames built with gopacket and inspects what the stack sends.
type harness struct {
	cfg config.Config
	ep  *channel.Endpoint
	d   *dispatch.Dispatcher
	ip  *ipstack.IPStack
	tcp *TCPStack
	m   *metrics.Metrics

	// localPort is the stack's end of the connection under test.
	localPort uint16
}

func newHarness(c *qt.C, mod func(*config.Config)) *harness {
	cfg := config.Default()
	cfg.LocalIP = localIP
	cfg.LocalMAC = localMAC
	cfg.Subnet = netip.MustParsePrefix("10.1.0.0/24")
	cfg.MSS = testMSS
	cfg.TickInterval = time.Millisecond
	cfg.TcpRtoInit = 10 * time.Millisecond
	cfg.TcpRtoMin = 10 * time.Millisecond
	cfg.TcpRtoMax = 80 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.ManualTick = true
	if mod != nil {
		mod(&cfg)
	}
	c.Assert(cfg.Validate(), qt.IsNil)

	h := &harness{cfg: cfg, ep: channel.New(1024), m: metrics.New(nil)}
	rng := rand.New(rand.NewPCG(1, 2))
	h.d = dispatch.New(dispatch.Options{Manual: true})
	h.ip = ipstack.New(&h.cfg, h.ep, rng, nil, h.m)
	h.tcp = New(&h.cfg, h.ip, h.d, rng, nil, h.m)
	h.d.OnTick(h.ip.Tick)
	h.d.OnTick(h.tcp.Tick)
	h.d.OnFrame(h.ip.HandleFrame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()
	c.Cleanup(func() {
		cancel()
		<-done
	})
	c.Assert(h.d.Do(func() { h.ip.ARP.Insert(peerIP, peerMAC) }), qt.IsNil)
	return h
}

type peerSeg struct {
	flags   uint8
	seq     uint32
	ack     uint32
	win     uint16
	mss     uint16
	payload []byte
}

// inject delivers a segment from the peer and waits until it is handled.
func (h *harness) inject(c *qt.C, s peerSeg) {
	c.Helper()
	if s.win == 0 {
		s.win = peerWin
	}
	eth := &layers.Ethernet{SrcMAC: peerMAC, DstMAC: localMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    peerIP.AsSlice(),
		DstIP:    localIP.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: peerPort,
		DstPort: layers.TCPPort(h.localPort),
		Seq:     s.seq,
		Ack:     s.ack,
		Window:  s.win,
		SYN:     s.flags&header.TCPFlagSyn != 0,
		ACK:     s.flags&header.TCPFlagAck != 0,
		FIN:     s.flags&header.TCPFlagFin != 0,
		RST:     s.flags&header.TCPFlagRst != 0,
		PSH:     s.flags&header.TCPFlagPsh != 0,
	}
	if s.mss != 0 {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   binary.BigEndian.AppendUint16(nil, s.mss),
		}}
	}
	c.Assert(tcp.SetNetworkLayerForChecksum(ip), qt.IsNil)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	c.Assert(gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.payload)), qt.IsNil)
	c.Assert(h.d.DeliverSync(buf.Bytes()), qt.IsNil)
}

// drain returns the TCP segments sent so far.
func (h *harness) drain() []*layers.TCP {
	var out []*layers.TCP
	for {
		select {
		case f := <-h.ep.C:
			p := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)
			if tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
				out = append(out, tcp)
			}
		default:
			return out
		}
	}
}

func (h *harness) tick(c *qt.C, n int) {
	c.Helper()
	for i := 0; i < n; i++ {
		c.Assert(h.d.Tick(), qt.IsNil)
	}
}

// tickUntilSent ticks until the stack sends something. It is used where
// another goroutine queues the segment.
func (h *harness) tickUntilSent(c *qt.C) []*layers.TCP {
	c.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.tick(c, 1)
		if segs := h.drain(); len(segs) > 0 {
			return segs
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("nothing sent")
	return nil
}

func (h *harness) tcbOf(c *qt.C, sid int) *tcb {
	c.Helper()
	var t *tcb
	c.Assert(h.d.Do(func() {
		sock, err := h.tcp.lookup(sid)
		c.Check(err, qt.IsNil)
		if sock != nil {
			t = sock.tcb
		}
	}), qt.IsNil)
	return t
}

// connect performs an active open against the simulated peer and returns
// the socket and the stack's ISN.
func (h *harness) connect(c *qt.C) (int, uint32) {
	c.Helper()
	sid, err := h.tcp.Open()
	c.Assert(err, qt.IsNil)
	errc := make(chan error, 1)
	go func() {
		errc <- h.tcp.Connect(context.Background(), sid, netip.AddrPortFrom(peerIP, peerPort))
	}()
	segs := h.tickUntilSent(c)
	c.Assert(segs, qt.HasLen, 1)
	syn := segs[0]
	c.Assert(syn.SYN && !syn.ACK, qt.IsTrue)
	h.localPort = uint16(syn.SrcPort)

	h.inject(c, peerSeg{
		flags: header.TCPFlagSyn | header.TCPFlagAck,
		seq:   peerISS,
		ack:   syn.Seq + 1,
		mss:   testMSS,
	})
	c.Assert(<-errc, qt.IsNil)
	h.tick(c, 1)
	segs = h.drain()
	c.Assert(segs, qt.HasLen, 1)
	c.Assert(segs[0].ACK && !segs[0].SYN, qt.IsTrue)
	c.Assert(segs[0].Seq, qt.Equals, syn.Seq+1)
	c.Assert(segs[0].Ack, qt.Equals, uint32(peerISS+1))
	return sid, syn.Seq
}
