// Package arp resolves IPv4 addresses to Ethernet addresses.
//
// A Resolver keeps a cache of resolved addresses plus a table of
// resolutions in progress. Resolutions never block: a miss broadcasts a
// request and reports Pending until a reply arrives or the timeout elapses,
// after which the address stays Failed for one more timeout period.
// Every observed reply is cached, whether or not it was requested.
//
// Resolver methods other than Lookup and Entries must be called from the
// goroutine that drives Tick.
package arp

import (
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rawtcp/pkg/metrics"
)

// State is the resolution state of an address.
type State int

const (
	Resolved State = iota
	Pending
	Failed
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Entry is a cached address mapping.
type Entry struct {
	IP  netip.Addr
	MAC net.HardwareAddr
	// Expires is zero for entries that never age out.
	Expires time.Time
}

type resolution struct {
	state    State
	deadline int64
}

type Options struct {
	IP  netip.Addr
	MAC net.HardwareAddr
	// Send transmits a complete Ethernet frame.
	Send func([]byte) error

	// Timeout is the number of ticks a resolution may stay pending.
	Timeout int64
	// TickInterval maps ticks onto the clock used to pace requests.
	TickInterval time.Duration
	// MaxAge ages entries out after insertion. Zero disables ageing.
	MaxAge time.Duration
	// Answer makes the resolver reply to requests for IP.
	Answer bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Resolver struct {
	ip      netip.Addr
	mac     net.HardwareAddr
	send    func([]byte) error
	timeout int64
	tick    time.Duration
	answer  bool
	log     *zap.Logger
	metrics *metrics.Metrics

	now     int64
	cache   *ttlcache.Cache[netip.Addr, net.HardwareAddr]
	pending map[netip.Addr]*resolution
	limiter *rate.Limiter

	// OnResolved is called when a pending or failed address is resolved.
	OnResolved func(ip netip.Addr, mac net.HardwareAddr)
	// OnFailed is called when a pending resolution times out.
	OnFailed func(ip netip.Addr)
}

func New(opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	timeout := opts.Timeout
	if timeout < 1 {
		timeout = 1
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = time.Millisecond
	}
	cacheOpts := []ttlcache.Option[netip.Addr, net.HardwareAddr]{
		ttlcache.WithDisableTouchOnHit[netip.Addr, net.HardwareAddr](),
	}
	if opts.MaxAge > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithTTL[netip.Addr, net.HardwareAddr](opts.MaxAge))
	}
	// Up to three requests per resolution.
	every := time.Duration(timeout) * tick / 3
	return &Resolver{
		ip:      opts.IP,
		mac:     opts.MAC,
		send:    opts.Send,
		timeout: timeout,
		tick:    tick,
		answer:  opts.Answer,
		log:     log.Named("arp"),
		metrics: m,
		cache:   ttlcache.New[netip.Addr, net.HardwareAddr](cacheOpts...),
		pending: make(map[netip.Addr]*resolution),
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// clock maps the tick counter onto a time.Time for the limiter.
func (r *Resolver) clock() time.Time {
	return time.Unix(0, 0).Add(time.Duration(r.now) * r.tick)
}

// Lookup returns the cached address for ip.
func (r *Resolver) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	item := r.cache.Get(ip)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Resolve returns the address for ip if it is cached. Otherwise it starts
// a resolution if none is in progress and reports its state.
func (r *Resolver) Resolve(ip netip.Addr) (net.HardwareAddr, State) {
	if mac, ok := r.Lookup(ip); ok {
		return mac, Resolved
	}
	if res, ok := r.pending[ip]; ok {
		return nil, res.state
	}
	r.pending[ip] = &resolution{state: Pending, deadline: r.now + r.timeout}
	r.limiter.AllowN(r.clock(), 1)
	r.request(ip)
	return nil, Pending
}

// State reports the resolution state of ip without starting a resolution.
// An address that is neither cached nor being resolved reports Failed.
func (r *Resolver) State(ip netip.Addr) State {
	if _, ok := r.Lookup(ip); ok {
		return Resolved
	}
	if res, ok := r.pending[ip]; ok {
		return res.state
	}
	return Failed
}

// Insert caches a mapping that never ages out.
func (r *Resolver) Insert(ip netip.Addr, mac net.HardwareAddr) {
	r.cache.Set(ip, append(net.HardwareAddr(nil), mac...), ttlcache.NoTTL)
	r.complete(ip, mac)
}

func (r *Resolver) learn(ip netip.Addr, mac net.HardwareAddr) {
	r.cache.Set(ip, append(net.HardwareAddr(nil), mac...), ttlcache.DefaultTTL)
	r.complete(ip, mac)
}

func (r *Resolver) complete(ip netip.Addr, mac net.HardwareAddr) {
	if _, ok := r.pending[ip]; !ok {
		return
	}
	delete(r.pending, ip)
	r.log.Debug("resolved", zap.Stringer("ip", ip), zap.Stringer("mac", mac))
	if r.OnResolved != nil {
		r.OnResolved(ip, mac)
	}
}

// Tick advances the resolver clock, expiring cache entries and pending
// resolutions and re-sending requests that are still unanswered.
func (r *Resolver) Tick(now int64) {
	r.now = now
	r.cache.DeleteExpired()
	for ip, res := range r.pending {
		switch res.state {
		case Pending:
			if now >= res.deadline {
				res.state = Failed
				res.deadline = now + r.timeout
				r.metrics.ARPFailures.Inc()
				r.log.Info("resolution timed out", zap.Stringer("ip", ip))
				if r.OnFailed != nil {
					r.OnFailed(ip)
				}
				continue
			}
			if r.limiter.AllowN(r.clock(), 1) {
				r.request(ip)
			}
		case Failed:
			if now >= res.deadline {
				delete(r.pending, ip)
			}
		}
	}
}

// Handle processes the payload of an ARP frame.
func (r *Resolver) Handle(payload []byte) {
	var a layers.ARP
	if err := a.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		r.log.Debug("malformed ARP packet", zap.Error(err))
		return
	}
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 ||
		len(a.SourceHwAddress) != 6 || len(a.SourceProtAddress) != 4 || len(a.DstProtAddress) != 4 {
		return
	}
	sender := netip.AddrFrom4([4]byte(a.SourceProtAddress))
	switch a.Operation {
	case layers.ARPReply:
		r.metrics.ARPReplies.Inc()
		r.learn(sender, net.HardwareAddr(a.SourceHwAddress))
	case layers.ARPRequest:
		target := netip.AddrFrom4([4]byte(a.DstProtAddress))
		if r.answer && target == r.ip {
			r.reply(sender, net.HardwareAddr(a.SourceHwAddress))
		}
	}
}

// Entries returns the cached mappings ordered by address.
func (r *Resolver) Entries() []Entry {
	var out []Entry
	for ip, item := range r.cache.Items() {
		if item.IsExpired() {
			continue
		}
		out = append(out, Entry{IP: ip, MAC: item.Value(), Expires: item.ExpiresAt()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

func (r *Resolver) request(target netip.Addr) {
	r.metrics.ARPRequests.Inc()
	r.log.Debug("request", zap.Stringer("target", target))
	r.transmit(layers.ARPRequest, layers.EthernetBroadcast, make([]byte, 6), target)
}

func (r *Resolver) reply(to netip.Addr, mac net.HardwareAddr) {
	r.log.Debug("reply", zap.Stringer("to", to))
	r.transmit(layers.ARPReply, mac, mac, to)
}

func (r *Resolver) transmit(op uint16, dstMAC net.HardwareAddr, targetHW []byte, target netip.Addr) {
	src := r.ip.As4()
	dst := target.As4()
	eth := &layers.Ethernet{
		SrcMAC:       r.mac,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   r.mac,
		SourceProtAddress: src[:],
		DstHwAddress:      targetHW,
		DstProtAddress:    dst[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, a); err != nil {
		r.log.Warn("failed to serialize ARP packet", zap.Error(err))
		return
	}
	if err := r.send(buf.Bytes()); err != nil {
		r.log.Debug("failed to send ARP packet", zap.Error(err))
	}
}
