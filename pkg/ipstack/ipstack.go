// Package ipstack implements the IPv4 layer of the host: next-hop selection,
// Ethernet and IPv4 framing, receive validation and protocol demultiplexing.
package ipstack

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rawtcp/pkg/arp"
	"rawtcp/pkg/checksum"
	"rawtcp/pkg/config"
	"rawtcp/pkg/link"
	"rawtcp/pkg/metrics"
)

const (
	defaultTTL = 128
	// maxParked bounds the datagrams held per next hop while it resolves.
	maxParked = 16
)

var (
	ErrNoRoute         = syscall.ENETUNREACH
	ErrHostUnreachable = syscall.EHOSTUNREACH
)

// Header holds the decoded fields of an inbound IPv4 header.
type Header struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	TTL      uint8
	ID       uint16
	TotalLen int
}

// Packet is an inbound datagram handed to a protocol handler. Body aliases
// the received frame and is only valid for the duration of the call.
type Packet struct {
	Header Header
	Body   []byte
}

type HandlerFunc func(*Packet)

type IPStack struct {
	ip      netip.Addr
	mac     net.HardwareAddr
	subnet  netip.Prefix
	gateway netip.Addr

	ep  link.Endpoint
	ARP *arp.Resolver

	handlers    map[uint8]HandlerFunc
	unreachable []func(hop netip.Addr)
	parked      map[netip.Addr][][]byte

	rng      *rand.Rand
	lossRate int
	role     config.Role

	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, ep link.Endpoint, rng *rand.Rand, log *zap.Logger, m *metrics.Metrics) *IPStack {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &IPStack{
		ip:       cfg.LocalIP,
		mac:      cfg.LocalMAC,
		subnet:   cfg.Subnet.Masked(),
		gateway:  cfg.Gateway,
		ep:       ep,
		handlers: make(map[uint8]HandlerFunc),
		parked:   make(map[netip.Addr][][]byte),
		rng:      rng,
		lossRate: cfg.InvLossRate,
		role:     cfg.Role,
		log:      log.Named("ip"),
		metrics:  m,
	}
	s.ARP = arp.New(arp.Options{
		IP:           cfg.LocalIP,
		MAC:          cfg.LocalMAC,
		Send:         ep.WriteFrame,
		Timeout:      cfg.Ticks(cfg.ARPTimeout),
		TickInterval: cfg.TickInterval,
		MaxAge:       cfg.ARPMaxAge,
		Answer:       cfg.AnswerARP,
		Logger:       log,
		Metrics:      m,
	})
	s.ARP.OnResolved = s.flush
	s.ARP.OnFailed = s.hopFailed
	return s
}

// LocalAddr returns the host's IPv4 address.
func (s *IPStack) LocalAddr() netip.Addr { return s.ip }

// RegisterRecvHandler installs the handler for an IP protocol number.
func (s *IPStack) RegisterRecvHandler(proto uint8, fn HandlerFunc) {
	s.handlers[proto] = fn
}

// OnUnreachable registers fn to be told when a next hop fails to resolve.
func (s *IPStack) OnUnreachable(fn func(hop netip.Addr)) {
	s.unreachable = append(s.unreachable, fn)
}

// NextHop returns dst itself when it is on the local subnet and the
// gateway otherwise.
func (s *IPStack) NextHop(dst netip.Addr) (netip.Addr, error) {
	if s.subnet.Contains(dst) {
		return dst, nil
	}
	if !s.gateway.IsValid() {
		return netip.Addr{}, errors.Wrapf(ErrNoRoute, "no route to %v", dst)
	}
	return s.gateway, nil
}

// Tick advances the resolver clock.
func (s *IPStack) Tick(now int64) {
	s.ARP.Tick(now)
}

// SendIP sends payload to dst as a single IPv4 datagram. When the next hop
// is still resolving the datagram is held and sent once it resolves; an
// error is only returned when no route exists or resolution has failed.
func (s *IPStack) SendIP(dst netip.Addr, proto uint8, payload []byte) error {
	hop, err := s.NextHop(dst)
	if err != nil {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropNoRoute).Inc()
		return err
	}
	datagram := s.encode(dst, proto, payload)
	if s.lossRate > 0 && s.role == config.RoleResponder && s.rng.IntN(s.lossRate) == 0 {
		s.metrics.InjectedLoss.WithLabelValues("tx").Inc()
		s.log.Debug("tx lost", zap.Stringer("dst", dst))
		return nil
	}
	mac, st := s.ARP.Resolve(hop)
	switch st {
	case arp.Resolved:
		return s.transmit(mac, datagram)
	case arp.Pending:
		s.park(hop, datagram)
		return nil
	}
	return errors.Wrapf(ErrHostUnreachable, "failed to resolve %v", hop)
}

func (s *IPStack) encode(dst netip.Addr, proto uint8, payload []byte) []byte {
	b := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(b)),
		ID:          uint16(s.rng.Uint32()),
		TTL:         defaultTTL,
		Protocol:    proto,
		SrcAddr:     toTCPIP(s.ip),
		DstAddr:     toTCPIP(dst),
	})
	ip.SetChecksum(checksum.Checksum(b[:header.IPv4MinimumSize]))
	copy(b[header.IPv4MinimumSize:], payload)
	return b
}

func (s *IPStack) transmit(dstMAC net.HardwareAddr, datagram []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       s.mac,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(datagram)); err != nil {
		return errors.Wrap(err, "failed to build frame")
	}
	if err := s.ep.WriteFrame(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to send frame")
	}
	return nil
}

func (s *IPStack) park(hop netip.Addr, datagram []byte) {
	q := s.parked[hop]
	if len(q) >= maxParked {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropOverflow).Inc()
		q = q[1:]
	}
	s.parked[hop] = append(q, datagram)
}

func (s *IPStack) flush(hop netip.Addr, mac net.HardwareAddr) {
	q := s.parked[hop]
	delete(s.parked, hop)
	for _, d := range q {
		if err := s.transmit(mac, d); err != nil {
			s.log.Debug("failed to send parked datagram", zap.Error(err))
		}
	}
}

func (s *IPStack) hopFailed(hop netip.Addr) {
	if n := len(s.parked[hop]); n > 0 {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropNoRoute).Add(float64(n))
	}
	delete(s.parked, hop)
	for _, fn := range s.unreachable {
		fn(hop)
	}
}

// HandleFrame processes one inbound Ethernet frame.
func (s *IPStack) HandleFrame(frame []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		s.ARP.Handle(eth.Payload)
	case layers.EthernetTypeIPv4:
		s.receive(eth.Payload)
	}
}

func (s *IPStack) receive(b []byte) {
	ip := header.IPv4(b)
	if !ip.IsValid(len(b)) {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}
	hlen := int(ip.HeaderLength())
	if checksum.Checksum(b[:hlen]) != 0 {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropChecksum).Inc()
		s.log.Debug("bad IP header checksum")
		return
	}
	dst := fromTCPIP(ip.DestinationAddress())
	if dst != s.ip {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropNotForUs).Inc()
		return
	}
	if ip.Flags()&header.IPv4FlagMoreFragments != 0 || ip.FragmentOffset() != 0 {
		s.metrics.FramesDropped.WithLabelValues(metrics.DropFragment).Inc()
		return
	}
	if s.lossRate > 0 && s.role == config.RoleInitiator && s.rng.IntN(s.lossRate) == 0 {
		s.metrics.InjectedLoss.WithLabelValues("rx").Inc()
		s.log.Debug("rx lost", zap.Stringer("src", fromTCPIP(ip.SourceAddress())))
		return
	}
	h, ok := s.handlers[ip.Protocol()]
	if !ok {
		return
	}
	tlen := int(ip.TotalLength())
	h(&Packet{
		Header: Header{
			Src:      fromTCPIP(ip.SourceAddress()),
			Dst:      dst,
			Protocol: ip.Protocol(),
			TTL:      ip.TTL(),
			ID:       ip.ID(),
			TotalLen: tlen,
		},
		Body: b[hlen:tlen],
	})
}

func toTCPIP(a netip.Addr) tcpip.Address {
	b := a.As4()
	return tcpip.Address(b[:])
}

func fromTCPIP(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice([]byte(a))
	return addr
}
