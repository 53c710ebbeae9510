// Package dispatcher runs the single-threaded event loop that drives a
// request engine: socket readability, write interest and retry deadlines
// are multiplexed in one select so handlers never run concurrently.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrTransport wraps socket failures reported by the Source.
var ErrTransport = errors.New("transport error")

// Handler receives readiness events. All methods are called from the
// goroutine running Run.
type Handler interface {
	OnReadable(now time.Time) error
	OnWritable(now time.Time) error
	OnTimer(now time.Time) error
	OnError(err error)
	// NextDeadline returns the earliest armed retry deadline, if any.
	NextDeadline() (time.Time, bool)
	// Done reports whether every request has completed.
	Done() bool
}

// Source is the readiness side of the client socket.
type Source interface {
	Readable() <-chan struct{}
	Errors() <-chan error
}

// always is a permanently ready channel used while write interest is held.
var always = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Dispatcher owns the event loop.
type Dispatcher struct {
	handler  Handler
	source   Source
	logger   *zap.Logger
	now      func() time.Time
	writable bool
	iters    uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher with write interest enabled.
func New(handler Handler, source Source, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:  handler,
		source:   source,
		logger:   logger,
		now:      time.Now,
		writable: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetWritable toggles write interest. The handler withdraws it when
// nothing is sendable and restores it when a request becomes sendable.
func (d *Dispatcher) SetWritable(on bool) {
	d.writable = on
}

// Writable reports the current write interest.
func (d *Dispatcher) Writable() bool {
	return d.writable
}

// Iterations returns the number of completed loop iterations.
func (d *Dispatcher) Iterations() uint64 {
	return d.iters
}

// Run loops until the handler is done, ctx is cancelled, a handler returns
// an error or the source reports a transport failure.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for !d.handler.Done() {
		var writeC <-chan struct{}
		if d.writable {
			writeC = always
		}

		var timerC <-chan time.Time
		if deadline, ok := d.handler.NextDeadline(); ok {
			wait := deadline.Sub(d.now())
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			timerC = timer.C
			if wait > 100*time.Millisecond {
				d.logger.Debug("Main loop waking up", zap.Duration("in", wait))
			}
		}

		if writeC == nil && timerC == nil {
			d.logger.Debug("Waiting for replies with nothing to send and no deadline armed")
		}

		var err error
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()

		case err = <-d.source.Errors():
			stopTimer(timer)
			err = fmt.Errorf("%w: %v", ErrTransport, err)
			d.handler.OnError(err)
			return err

		case <-d.source.Readable():
			err = d.handler.OnReadable(d.now())

		case <-writeC:
			err = d.handler.OnWritable(d.now())

		case <-timerC:
			timerC = nil
			err = d.handler.OnTimer(d.now())
		}

		if timerC != nil {
			stopTimer(timer)
		}
		d.iters++

		if err != nil {
			d.handler.OnError(err)
			return err
		}
	}

	d.logger.Debug("All requests done", zap.Uint64("iterations", d.iters))
	return nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
