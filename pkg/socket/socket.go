// Package socket wraps socket handles of the TCP stack in connection and
// listener values that satisfy the io interfaces.
package socket

import (
	"context"
	"net/netip"

	"rawtcp/pkg/iptcpstack"
)

// Stack is the socket API the wrappers drive.
type Stack interface {
	Open() (int, error)
	Bind(sid int, addr netip.AddrPort) error
	Connect(ctx context.Context, sid int, raddr netip.AddrPort) error
	Listen(sid int, backlog int) error
	Accept(ctx context.Context, sid int) (int, netip.AddrPort, error)
	Read(ctx context.Context, sid int, buf []byte) (int, error)
	Write(ctx context.Context, sid int, data []byte) (int, error)
	Close(sid int) error
}

var _ Stack = (*iptcpstack.TCPStack)(nil)
