package socket

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
)

const defaultBacklog = 8

// VTCPListener is a listening socket.
type VTCPListener struct {
	SID   int
	Port  uint16
	stack Stack
}

// VListen opens a socket listening on port.
func VListen(stack Stack, port uint16) (*VTCPListener, error) {
	sid, err := stack.Open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open socket")
	}
	if err := stack.Bind(sid, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		stack.Close(sid)
		return nil, errors.Wrapf(err, "failed to bind port %d", port)
	}
	if err := stack.Listen(sid, defaultBacklog); err != nil {
		stack.Close(sid)
		return nil, errors.Wrap(err, "failed to listen")
	}
	return &VTCPListener{SID: sid, Port: port, stack: stack}, nil
}

// VAccept waits for the next connection.
func (l *VTCPListener) VAccept() (*VTCPConn, error) {
	return l.VAcceptContext(context.Background())
}

func (l *VTCPListener) VAcceptContext(ctx context.Context) (*VTCPConn, error) {
	sid, remote, err := l.stack.Accept(ctx, l.SID)
	if err != nil {
		return nil, err
	}
	return &VTCPConn{SID: sid, Remote: remote, stack: l.stack, ctx: context.Background()}, nil
}

func (l *VTCPListener) VClose() error {
	return l.stack.Close(l.SID)
}
