// Package link defines the raw Ethernet I/O collaborator used by the host.
package link

import "github.com/pkg/errors"

// MaxFrameSize bounds the Ethernet frames read from an endpoint.
const MaxFrameSize = 1514

// ErrClosed is returned by endpoints after Close.
var ErrClosed = errors.New("link closed")

// Endpoint moves whole Ethernet II frames to and from a device.
type Endpoint interface {
	// ReadFrame blocks until a frame is available and copies it into b.
	ReadFrame(b []byte) (int, error)
	// WriteFrame transmits one frame. The endpoint does not retain b.
	WriteFrame(b []byte) error
	Close() error
}
