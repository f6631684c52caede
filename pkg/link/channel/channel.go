// Package channel provides in-memory link endpoints. Outbound frames are
// queued on a channel and inbound frames are injected by the caller, which
// makes them suitable for driving a host from tests.
package channel

import (
	"sync"

	"rawtcp/pkg/link"
)

// Endpoint is a link endpoint backed by channels.
type Endpoint struct {
	// C is where outbound frames are queued.
	C chan []byte

	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an endpoint whose queues hold size frames.
func New(size int) *Endpoint {
	return &Endpoint{
		C:    make(chan []byte, size),
		in:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Inject queues an inbound frame. It reports false if the endpoint is
// closed or its inbound queue is full.
func (e *Endpoint) Inject(frame []byte) bool {
	b := append([]byte(nil), frame...)
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.in <- b:
		return true
	default:
		return false
	}
}

// Drain removes all queued outbound frames and returns how many there were.
func (e *Endpoint) Drain() int {
	n := 0
	for {
		select {
		case <-e.C:
			n++
		default:
			return n
		}
	}
}

func (e *Endpoint) ReadFrame(b []byte) (int, error) {
	select {
	case f := <-e.in:
		return copy(b, f), nil
	case <-e.done:
		return 0, link.ErrClosed
	}
}

// WriteFrame queues a copy of b on C, dropping it if C is full.
func (e *Endpoint) WriteFrame(b []byte) error {
	select {
	case <-e.done:
		return link.ErrClosed
	default:
	}
	f := append([]byte(nil), b...)
	select {
	case e.C <- f:
	default:
	}
	return nil
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// Filter rewrites the frames crossing a Pipe. It returns the frames to
// deliver now, which may be none, the frame itself, duplicates or frames it
// held back earlier.
type Filter func(frame []byte) [][]byte

// Pipe connects two endpoints so that each one's outbound frames are
// delivered to the other, optionally through filters.
type Pipe struct {
	A, B *Endpoint

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPipe starts forwarding between two new endpoints. atob and btoa may be
// nil.
func NewPipe(size int, atob, btoa Filter) *Pipe {
	p := &Pipe{A: New(size), B: New(size), done: make(chan struct{})}
	p.wg.Add(2)
	go p.forward(p.A, p.B, atob)
	go p.forward(p.B, p.A, btoa)
	return p
}

func (p *Pipe) forward(from, to *Endpoint, f Filter) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame := <-from.C:
			if f == nil {
				to.Inject(frame)
				continue
			}
			for _, out := range f(frame) {
				to.Inject(out)
			}
		}
	}
}

// Close stops forwarding and closes both endpoints.
func (p *Pipe) Close() error {
	close(p.done)
	p.wg.Wait()
	p.A.Close()
	p.B.Close()
	return nil
}
