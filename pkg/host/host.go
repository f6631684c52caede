// Package host assembles a complete endpoint: link I/O, ARP and IPv4, the
// TCP stack and the dispatcher that drives them.
package host

import (
	"context"
	"math/rand/v2"
	"net"
	"net/netip"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rawtcp/pkg/arp"
	"rawtcp/pkg/config"
	"rawtcp/pkg/dispatch"
	"rawtcp/pkg/ipstack"
	"rawtcp/pkg/iptcpstack"
	"rawtcp/pkg/link"
	"rawtcp/pkg/metrics"
)

type Host struct {
	cfg     config.Config
	ep      link.Endpoint
	d       *dispatch.Dispatcher
	ip      *ipstack.IPStack
	tcp     *iptcpstack.TCPStack
	metrics *metrics.Metrics
	log     *zap.Logger
}

type options struct {
	log *zap.Logger
	reg prometheus.Registerer
}

type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegisterer registers the host's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New builds a host on ep. The host does nothing until Run is called.
func New(cfg config.Config, ep link.Endpoint, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	h := &Host{
		cfg:     cfg,
		ep:      ep,
		metrics: metrics.New(o.reg),
		log:     o.log.With(zap.Stringer("ip", cfg.LocalIP)),
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	h.d = dispatch.New(dispatch.Options{
		Interval: cfg.TickInterval,
		Manual:   cfg.ManualTick,
		Logger:   h.log,
	})
	h.ip = ipstack.New(&h.cfg, ep, rng, h.log, h.metrics)
	h.tcp = iptcpstack.New(&h.cfg, h.ip, h.d, rng, h.log, h.metrics)
	h.d.OnTick(h.ip.Tick)
	h.d.OnTick(h.tcp.Tick)
	h.d.OnFrame(h.ip.HandleFrame)
	return h, nil
}

// Run reads frames from the link and runs the dispatcher until ctx is
// done. The link endpoint is closed on return.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.d.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return h.ep.Close()
	})
	g.Go(h.readLoop)
	h.log.Info("host running",
		zap.Stringer("mac", h.cfg.LocalMAC),
		zap.Stringer("subnet", h.cfg.Subnet))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Host) readLoop() error {
	buf := make([]byte, link.MaxFrameSize)
	for {
		n, err := h.ep.ReadFrame(buf)
		if errors.Is(err, link.ErrClosed) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read from link")
		}
		h.d.Deliver(append([]byte(nil), buf[:n]...))
	}
}

// TCP returns the host's socket API.
func (h *Host) TCP() *iptcpstack.TCPStack { return h.tcp }

func (h *Host) Config() config.Config { return h.cfg }

func (h *Host) Metrics() *metrics.Metrics { return h.metrics }

// Tick delivers one tick. It is meant for hosts configured with
// ManualTick.
func (h *Host) Tick() error { return h.d.Tick() }

// DeliverFrame hands an inbound frame to the host and waits until it has
// been processed.
func (h *Host) DeliverFrame(frame []byte) error { return h.d.DeliverSync(frame) }

// Resolve returns the hardware address of ip, which must be on the local
// subnet, sending ARP requests until it answers or the resolution times
// out.
func (h *Host) Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	if !h.cfg.Subnet.Contains(ip) {
		return nil, errors.Wrapf(syscall.ENETUNREACH, "%v is not on %v", ip, h.cfg.Subnet)
	}
	var mac net.HardwareAddr
	var st arp.State
	if err := h.d.Do(func() { mac, st = h.ip.ARP.Resolve(ip) }); err != nil {
		return nil, err
	}
	if st == arp.Resolved {
		return mac, nil
	}
	if st == arp.Pending {
		err := h.d.Await(ctx, 0, func() bool { return h.ip.ARP.State(ip) != arp.Pending })
		if err != nil {
			return nil, err
		}
		if err := h.d.Do(func() { mac, st = h.ip.ARP.Resolve(ip) }); err != nil {
			return nil, err
		}
		if st == arp.Resolved {
			return mac, nil
		}
	}
	return nil, errors.Wrapf(syscall.EHOSTUNREACH, "failed to resolve %v", ip)
}

// ARPEntries returns the cached address mappings.
func (h *Host) ARPEntries() ([]arp.Entry, error) {
	var out []arp.Entry
	err := h.d.Do(func() { out = h.ip.ARP.Entries() })
	return out, err
}

// AddStaticARP caches a mapping that never ages out.
func (h *Host) AddStaticARP(ip netip.Addr, mac net.HardwareAddr) error {
	return h.d.Do(func() { h.ip.ARP.Insert(ip, mac) })
}
