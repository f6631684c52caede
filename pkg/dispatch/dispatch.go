// Package dispatch runs the host's single event loop.
//
// All engine state is owned by the loop goroutine. Three kinds of message
// reach it: ticks (from a wall-clock ticker or Tick), inbound frames
// (Deliver) and calls submitted by other goroutines (Do). After every
// message the loop re-evaluates the conditions of parked waiters and wakes
// those whose condition now holds or whose tick deadline has passed.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned once the loop has stopped.
	ErrClosed = errors.New("dispatcher closed")
	// ErrTimeout is returned by Await when the deadline passes first.
	ErrTimeout = errors.New("wait timed out")
)

type call struct {
	fn   func()
	done chan struct{}
}

type waiter struct {
	cond     func() bool
	deadline int64
	wake     chan error
}

type Dispatcher struct {
	interval time.Duration
	manual   bool
	log      *zap.Logger

	calls  chan call
	frames chan []byte
	done   chan struct{}

	onTick  []func(now int64)
	onFrame func([]byte)

	// Owned by the loop goroutine.
	now     int64
	waiters []*waiter

	depth   atomic.Int32
	running atomic.Bool
	dropped atomic.Uint64
}

type Options struct {
	// Interval is the tick period of the wall-clock ticker.
	Interval time.Duration
	// Manual disables the ticker.
	Manual bool
	// FrameQueue bounds the frames waiting for the loop.
	FrameQueue int
	Logger     *zap.Logger
}

func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	q := opts.FrameQueue
	if q <= 0 {
		q = 256
	}
	return &Dispatcher{
		interval: opts.Interval,
		manual:   opts.Manual,
		log:      log.Named("dispatch"),
		calls:    make(chan call),
		frames:   make(chan []byte, q),
		done:     make(chan struct{}),
	}
}

// OnTick registers fn to run on every tick, in registration order. It must
// be called before Run.
func (d *Dispatcher) OnTick(fn func(now int64)) {
	d.onTick = append(d.onTick, fn)
}

// OnFrame sets the handler for delivered frames. It must be called before
// Run.
func (d *Dispatcher) OnFrame(fn func([]byte)) {
	d.onFrame = fn
}

// Now returns the current tick. It is only meaningful on the loop
// goroutine.
func (d *Dispatcher) Now() int64 { return d.now }

// Dropped returns how many delivered frames were discarded because the
// queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run processes messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.running.Swap(true) {
		return errors.New("dispatcher already running")
	}
	defer close(d.done)

	var tickC <-chan time.Time
	if !d.manual {
		t := time.NewTicker(d.interval)
		defer t.Stop()
		tickC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickC:
			d.handle(d.tick)
		case f := <-d.frames:
			d.handle(func() {
				if d.onFrame != nil {
					d.onFrame(f)
				}
			})
		case c := <-d.calls:
			d.handle(c.fn)
			close(c.done)
		}
		d.wakeWaiters()
	}
}

func (d *Dispatcher) handle(fn func()) {
	if n := d.depth.Add(1); n > 1 {
		d.log.Warn("handler overlap", zap.Int32("depth", n))
	}
	defer d.depth.Add(-1)
	fn()
}

func (d *Dispatcher) tick() {
	d.now++
	for _, fn := range d.onTick {
		fn(d.now)
	}
}

func (d *Dispatcher) wakeWaiters() {
	if len(d.waiters) == 0 {
		return
	}
	kept := d.waiters[:0]
	for _, w := range d.waiters {
		switch {
		case w.cond():
			w.wake <- nil
		case w.deadline > 0 && d.now >= w.deadline:
			w.wake <- ErrTimeout
		default:
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(d.waiters); i++ {
		d.waiters[i] = nil
	}
	d.waiters = kept
}

// Do runs fn on the loop goroutine and waits for it to return. It must not
// be called from the loop goroutine.
func (d *Dispatcher) Do(fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case d.calls <- c:
	case <-d.done:
		return ErrClosed
	}
	<-c.done
	return nil
}

// Tick delivers one tick synchronously.
func (d *Dispatcher) Tick() error {
	return d.Do(d.tick)
}

// Deliver queues an inbound frame without waiting for it to be handled.
func (d *Dispatcher) Deliver(frame []byte) {
	select {
	case d.frames <- frame:
	default:
		d.dropped.Add(1)
	}
}

// DeliverSync hands an inbound frame to the loop and waits until it has
// been handled.
func (d *Dispatcher) DeliverSync(frame []byte) error {
	return d.Do(func() {
		if d.onFrame != nil {
			d.onFrame(frame)
		}
	})
}

// Await parks the caller until cond, evaluated on the loop goroutine,
// returns true. A positive timeout bounds the wait to that many ticks.
func (d *Dispatcher) Await(ctx context.Context, timeout int64, cond func() bool) error {
	w := &waiter{cond: cond, wake: make(chan error, 1)}
	err := d.Do(func() {
		if cond() {
			w.wake <- nil
			return
		}
		if timeout > 0 {
			w.deadline = d.now + timeout
		}
		d.waiters = append(d.waiters, w)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-w.wake:
		return err
	case <-ctx.Done():
		d.Do(func() { d.remove(w) })
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

func (d *Dispatcher) remove(w *waiter) {
	for i, x := range d.waiters {
		if x == w {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			return
		}
	}
}
