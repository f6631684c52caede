// Package config holds the host configuration: addressing, buffer sizes,
// timers and the knobs used to exercise the engine under loss.
package config

import (
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role selects which direction of synthetic loss applies to a host.
type Role int

const (
	// RoleResponder drops outbound datagrams.
	RoleResponder Role = iota
	// RoleInitiator drops inbound datagrams.
	RoleInitiator
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "unknown"
}

// Set implements flag.Value.
func (r *Role) Set(s string) error {
	switch strings.ToLower(s) {
	case "initiator", "client", "c":
		*r = RoleInitiator
	case "responder", "server", "s":
		*r = RoleResponder
	default:
		return errors.Errorf("unknown role %q", s)
	}
	return nil
}

type Config struct {
	// Interface is the name of the link used for raw Ethernet I/O.
	Interface string

	LocalIP  netip.Addr
	LocalMAC net.HardwareAddr
	// Subnet is the directly reachable network; its mask decides between
	// direct delivery and the gateway.
	Subnet  netip.Prefix
	Gateway netip.Addr

	TxBufferSize int
	RxBufferSize int
	MSS          int

	TickInterval   time.Duration
	TcpRtoInit     time.Duration
	TcpRtoMin      time.Duration
	TcpRtoMax      time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration

	ARPTimeout time.Duration
	// ARPMaxAge ages cache entries out after insertion. Zero keeps them forever.
	ARPMaxAge time.Duration
	AnswerARP bool

	// InvLossRate drops one datagram in InvLossRate on the side chosen by
	// Role. Zero disables loss injection.
	InvLossRate int
	Role        Role

	CongestionControl bool

	MaxSockets int
	PortMin    uint16
	PortMax    uint16

	// Seed feeds the generator used for ISNs, IP identifiers and loss
	// injection. Zero picks a random seed.
	Seed uint64

	// ManualTick disables the wall-clock ticker; ticks are then only
	// delivered through explicit calls.
	ManualTick bool
}

// Default returns a configuration with the engine defaults. Addresses are
// left unset.
func Default() Config {
	return Config{
		TxBufferSize:      100000,
		RxBufferSize:      64000,
		MSS:               1400,
		TickInterval:      500 * time.Microsecond,
		TcpRtoInit:        300 * time.Millisecond,
		TcpRtoMin:         300 * time.Millisecond,
		TcpRtoMax:         time.Second,
		MaxRetries:        15,
		ConnectTimeout:    10 * time.Second,
		ARPTimeout:        10 * time.Millisecond,
		AnswerARP:         true,
		CongestionControl: true,
		MaxSockets:        32,
		PortMin:           19000,
		PortMax:           19999,
	}
}

func (c *Config) Validate() error {
	if !c.LocalIP.Is4() {
		return errors.Errorf("local IP %v is not an IPv4 address", c.LocalIP)
	}
	if len(c.LocalMAC) != 6 {
		return errors.Errorf("local MAC %v is not an Ethernet address", c.LocalMAC)
	}
	if !c.Subnet.IsValid() || !c.Subnet.Addr().Is4() {
		return errors.Errorf("subnet %v is not an IPv4 prefix", c.Subnet)
	}
	if !c.Subnet.Contains(c.LocalIP) {
		return errors.Errorf("local IP %v is outside subnet %v", c.LocalIP, c.Subnet)
	}
	if c.Gateway.IsValid() && !c.Subnet.Contains(c.Gateway) {
		return errors.Errorf("gateway %v is outside subnet %v", c.Gateway, c.Subnet)
	}
	if c.RxBufferSize <= 0 || c.RxBufferSize > 0xffff {
		return errors.Errorf("receive buffer size %d out of range (1-65535)", c.RxBufferSize)
	}
	if c.TxBufferSize <= 0 {
		return errors.Errorf("transmit buffer size %d must be positive", c.TxBufferSize)
	}
	if c.MSS <= 0 || c.MSS > 0xffff {
		return errors.Errorf("MSS %d out of range", c.MSS)
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.TcpRtoMin <= 0 || c.TcpRtoMax < c.TcpRtoMin {
		return errors.Errorf("invalid RTO bounds [%v, %v]", c.TcpRtoMin, c.TcpRtoMax)
	}
	if c.TcpRtoInit <= 0 {
		return errors.New("initial RTO must be positive")
	}
	if c.MaxSockets <= FirstHandle {
		return errors.Errorf("socket table size %d leaves no usable handle", c.MaxSockets)
	}
	if c.PortMin == 0 || c.PortMax < c.PortMin {
		return errors.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.InvLossRate < 0 {
		return errors.New("loss rate must not be negative")
	}
	return nil
}

// FirstHandle is the lowest socket handle handed out; lower values are
// reserved for stdio.
const FirstHandle = 3

// Ticks converts d to a whole number of ticks, never less than one.
func (c *Config) Ticks(d time.Duration) int64 {
	n := int64(d / c.TickInterval)
	if n < 1 {
		return 1
	}
	return n
}
