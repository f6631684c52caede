// Package capture tees the frames crossing a link endpoint into a pcapng
// file.
package capture

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"rawtcp/pkg/link"
)

// Endpoint wraps another endpoint and records every frame read from or
// written to it.
type Endpoint struct {
	link.Endpoint

	mu sync.Mutex
	w  *pcapgo.NgWriter
	c  io.Closer
}

// New wraps ep, writing the capture to w. If w is an io.Closer it is closed
// with the endpoint.
func New(ep link.Endpoint, w io.Writer) (*Endpoint, error) {
	nw, err := pcapgo.NewNgWriter(w, layers.LinkTypeEthernet)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start pcapng capture")
	}
	e := &Endpoint{Endpoint: ep, w: nw}
	if c, ok := w.(io.Closer); ok {
		e.c = c
	}
	return e, nil
}

func (e *Endpoint) record(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(b),
		Length:        len(b),
	}
	e.w.WritePacket(ci, b)
}

func (e *Endpoint) ReadFrame(b []byte) (int, error) {
	n, err := e.Endpoint.ReadFrame(b)
	if err == nil {
		e.record(b[:n])
	}
	return n, err
}

func (e *Endpoint) WriteFrame(b []byte) error {
	if err := e.Endpoint.WriteFrame(b); err != nil {
		return err
	}
	e.record(b)
	return nil
}

// Flush writes buffered packets to the underlying writer.
func (e *Endpoint) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return nil
	}
	return e.w.Flush()
}

func (e *Endpoint) Close() error {
	err := e.Endpoint.Close()
	e.mu.Lock()
	if e.w != nil {
		e.w.Flush()
		e.w = nil
	}
	e.mu.Unlock()
	if e.c != nil {
		if cerr := e.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
