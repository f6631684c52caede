//go:build linux

package rawsock

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rawtcp/pkg/link"
)

// Endpoint reads and writes raw Ethernet frames on one interface.
type Endpoint struct {
	fd      int
	ifindex int
	mac     net.HardwareAddr
	closed  atomic.Bool
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// Open creates a packet socket bound to the named interface.
func Open(ifname string) (*Endpoint, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up interface %s", ifname)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open packet socket")
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to bind packet socket to %s", ifname)
	}
	// A receive timeout lets ReadFrame notice Close.
	tv := unix.Timeval{Usec: 100000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to set receive timeout")
	}
	return &Endpoint{fd: fd, ifindex: ifi.Index, mac: ifi.HardwareAddr}, nil
}

// MAC returns the interface's hardware address.
func (e *Endpoint) MAC() net.HardwareAddr { return e.mac }

func (e *Endpoint) ReadFrame(b []byte) (int, error) {
	for {
		if e.closed.Load() {
			return 0, link.ErrClosed
		}
		n, from, err := unix.Recvfrom(e.fd, b, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			if e.closed.Load() {
				return 0, link.ErrClosed
			}
			return 0, errors.Wrap(err, "failed to read frame")
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return n, nil
	}
}

func (e *Endpoint) WriteFrame(b []byte) error {
	if e.closed.Load() {
		return link.ErrClosed
	}
	sa := &unix.SockaddrLinklayer{Ifindex: e.ifindex, Halen: 6}
	copy(sa.Addr[:], b[:6])
	if err := unix.Sendto(e.fd, b, 0, sa); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return unix.Close(e.fd)
}
