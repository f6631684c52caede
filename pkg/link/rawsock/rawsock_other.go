//go:build !linux

package rawsock

import (
	"net"

	"github.com/pkg/errors"
)

type Endpoint struct{}

func Open(ifname string) (*Endpoint, error) {
	return nil, errors.Errorf("raw packet sockets are not supported on this platform (interface %s)", ifname)
}

func (e *Endpoint) MAC() net.HardwareAddr            { return nil }
func (e *Endpoint) ReadFrame(b []byte) (int, error) { return 0, errors.New("unsupported") }
func (e *Endpoint) WriteFrame(b []byte) error       { return errors.New("unsupported") }
func (e *Endpoint) Close() error                    { return nil }
