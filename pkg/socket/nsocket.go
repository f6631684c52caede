package socket

import (
	"context"
	"io"
	"net/netip"
	"os"

	"github.com/pkg/errors"
)

// VTCPConn is an open connection.
type VTCPConn struct {
	SID    int
	Remote netip.AddrPort

	stack Stack
	ctx   context.Context
}

// VConnect opens a socket and connects it to addr:port.
func VConnect(ctx context.Context, stack Stack, addr netip.Addr, port uint16) (*VTCPConn, error) {
	sid, err := stack.Open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open socket")
	}
	raddr := netip.AddrPortFrom(addr, port)
	if err := stack.Connect(ctx, sid, raddr); err != nil {
		stack.Close(sid)
		return nil, errors.Wrapf(err, "failed to connect to %v", raddr)
	}
	return &VTCPConn{SID: sid, Remote: raddr, stack: stack, ctx: context.Background()}, nil
}

// WithContext returns a copy of c whose reads and writes are bounded by
// ctx.
func (c *VTCPConn) WithContext(ctx context.Context) *VTCPConn {
	c2 := *c
	c2.ctx = ctx
	return &c2
}

// VRead reads at most len(buf) bytes. It returns io.EOF once the peer has
// closed its side and everything has been read.
func (c *VTCPConn) VRead(buf []byte) (int, error) {
	return c.stack.Read(c.ctx, c.SID, buf)
}

// VWrite writes all of data, blocking while the send buffer is full.
func (c *VTCPConn) VWrite(data []byte) (int, error) {
	var written int
	for written < len(data) {
		n, err := c.stack.Write(c.ctx, c.SID, data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *VTCPConn) VClose() error {
	return c.stack.Close(c.SID)
}

func (c *VTCPConn) Read(b []byte) (int, error)  { return c.VRead(b) }
func (c *VTCPConn) Write(b []byte) (int, error) { return c.VWrite(b) }
func (c *VTCPConn) Close() error                { return c.VClose() }

var _ io.ReadWriteCloser = (*VTCPConn)(nil)

// SendFile connects to addr:port, sends the file at path and closes the
// connection. It returns the number of bytes sent.
func SendFile(ctx context.Context, stack Stack, path string, addr netip.Addr, port uint16) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	conn, err := VConnect(ctx, stack, addr, port)
	if err != nil {
		return 0, err
	}
	conn.ctx = ctx
	n, err := io.Copy(conn, f)
	if cerr := conn.VClose(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, "failed to send file")
	}
	return n, nil
}

// ReceiveFile accepts one connection on port and writes everything it
// receives to the file at path.
func ReceiveFile(ctx context.Context, stack Stack, path string, port uint16) (int64, error) {
	l, err := VListen(stack, port)
	if err != nil {
		return 0, err
	}
	defer l.VClose()
	conn, err := l.VAcceptContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.VClose()
	conn.ctx = ctx

	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create file")
	}
	n, err := io.Copy(f, conn)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, "failed to receive file")
	}
	return n, nil
}
