// Package sockchan turns an event-driven network connection into an
// ordered, bidirectional message channel for a session.
//
// A connection (Conn) owns an inbound Pipeline and runs on an EventLoop.
// Install attaches a Channel to the connection, buffers inbound data until
// the session factory produces a Session, and then hands every decoded
// message to that session. Writes from any goroutine are totally ordered,
// and every failure path converges on a single idempotent close.
package sockchan

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Conn is the I/O engine's view of a single connection.
//
// Pipeline mutation and event delivery happen on Loop. Write completions
// are reported on Loop as well.
type Conn interface {
	// Loop returns the connection's home execution context.
	Loop() *EventLoop
	// Pipeline returns the inbound stage chain.
	Pipeline() *Pipeline
	// SetAutoRead turns read pumping on or off.
	SetAutoRead(enabled bool)
	// AutoRead reports whether read pumping is on.
	AutoRead() bool
	// Write queues msg and calls done, if non-nil, on the loop once it has
	// been written or has failed.
	Write(msg Message, done func(error))
	// IsOpen reports whether Close has not been called yet.
	IsOpen() bool
	// IsActive reports whether the connection is open and connected.
	IsActive() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// PeerCertificates returns the peer's certificate chain, if any.
	PeerCertificates() []*x509.Certificate
	// Close closes the connection. Safe to call multiple times.
	Close() error
	// CloseFuture is resolved after the inactive event has gone through
	// the pipeline.
	CloseFuture() *Future[struct{}]
}

// errClosedByPeer ends the read loop when the remote side closed cleanly.
var errClosedByPeer = errors.New("closed by peer")

// link moves raw units over the wire for a NetConn.
type link interface {
	readUnit(ctx context.Context) ([]byte, error)
	writeUnit(ctx context.Context, data []byte) error
	localAddr() net.Addr
	remoteAddr() net.Addr
	peerCertificates() []*x509.Certificate
	close() error
}

// NetConn is the I/O engine for a single network connection. A read loop
// pumps raw units into the pipeline and a write loop drains queued writes;
// both run under Run.
type NetConn struct {
	link     link
	loop     *EventLoop
	pipeline *Pipeline
	logger   Logger
	opts     options

	ctx    context.Context
	cancel context.CancelFunc

	writes writeQueue

	mu       sync.Mutex
	autoRead atomic.Bool
	readable chan struct{}

	closed      atomic.Bool
	closeFuture *Future[struct{}]
}

// NewConn creates a connection wrapper around raw, which must already be
// connected. A codec is required to encode outbound messages.
// If raw is a *tls.Conn, PeerCertificates reports the handshake's peer chain.
func NewConn(raw net.Conn, opt ...Option) (*NetConn, error) {
	opts := newOptions(opt...)
	if opts.codec == nil {
		return nil, ErrInvalidCodec
	}
	return newNetConn(newStreamLink(raw, opts), opts), nil
}

func newNetConn(l link, opts options) *NetConn {
	loop := opts.loop
	if loop == nil {
		loop = NewEventLoop(opts.logger)
	}
	c := &NetConn{
		link:        l,
		loop:        loop,
		pipeline:    NewPipeline(opts.logger),
		logger:      opts.logger,
		opts:        opts,
		readable:    make(chan struct{}),
		closeFuture: NewFuture[struct{}](),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.writes.init()
	c.autoRead.Store(true)
	return c
}

// Loop returns the connection's event loop.
func (c *NetConn) Loop() *EventLoop { return c.loop }

// Pipeline returns the inbound pipeline.
func (c *NetConn) Pipeline() *Pipeline { return c.pipeline }

// SetAutoRead turns read pumping on or off. While off, the read loop issues
// no further reads.
func (c *NetConn) SetAutoRead(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoRead.Swap(enabled) == enabled {
		return
	}
	if enabled {
		close(c.readable)
		c.readable = make(chan struct{})
	}
}

// AutoRead reports whether read pumping is on.
func (c *NetConn) AutoRead() bool { return c.autoRead.Load() }

// IsOpen reports whether the connection has not been closed.
func (c *NetConn) IsOpen() bool { return !c.closed.Load() }

// IsActive reports whether the connection is connected. A NetConn wraps an
// established connection, so it is active for as long as it is open.
func (c *NetConn) IsActive() bool { return c.IsOpen() }

// LocalAddr returns the local network address.
func (c *NetConn) LocalAddr() net.Addr { return c.link.localAddr() }

// RemoteAddr returns the remote network address.
func (c *NetConn) RemoteAddr() net.Addr { return c.link.remoteAddr() }

// PeerCertificates returns the certificate chain presented by the peer.
func (c *NetConn) PeerCertificates() []*x509.Certificate { return c.link.peerCertificates() }

// CloseFuture is resolved once the connection has closed and the inactive
// event has been delivered.
func (c *NetConn) CloseFuture() *Future[struct{}] { return c.closeFuture }

// Write queues msg for the write loop. done, if not nil, is called on the
// loop with the outcome. Writes after Close fail with ErrConnectionClosed.
func (c *NetConn) Write(msg Message, done func(error)) {
	if !c.writes.push(pendingWrite{msg: msg, done: done}) {
		c.complete(done, ErrConnectionClosed)
	}
}

func (c *NetConn) complete(done func(error), err error) {
	if done == nil {
		return
	}
	c.loop.Execute(func(context.Context) { done(err) })
}

// Run starts the connection's read and write loops.
// It creates two goroutines for concurrent reading and writing,
// and blocks until an error occurs, the connection is closed or ctx is
// canceled. The connection is closed when Run returns.
func (c *NetConn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.RemoteAddr())
	c.logger.Debug("connection options", "addr", c.RemoteAddr(),
		"read_buffer_size", c.opts.readBufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	group, child := errgroup.WithContext(c.ctx)
	// Either loop ending closes the link, which unblocks the other one.
	closeOnExit := context.AfterFunc(child, func() { _ = c.Close() })
	defer closeOnExit()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	_ = c.Close()

	if errors.Is(err, errClosedByPeer) || errors.Is(err, context.Canceled) {
		err = ctx.Err()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.RemoteAddr(), "error", err.Error())
	} else {
		c.logger.Info("connection closed", "addr", c.RemoteAddr())
	}

	return err
}

// Close closes the connection. Queued writes fail with ErrConnectionClosed,
// and the inactive event is delivered on the loop. Safe to call multiple times.
func (c *NetConn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.cancel()
	err := c.link.close()

	for _, w := range c.writes.close() {
		c.complete(w.done, ErrConnectionClosed)
	}

	c.loop.Execute(func(context.Context) {
		c.pipeline.FireInactive()
		c.closeFuture.Resolve(struct{}{})
	})
	return err
}

// waitReadable blocks while auto-read is off.
func (c *NetConn) waitReadable(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.autoRead.Load() {
			c.mu.Unlock()
			return nil
		}
		ready := c.readable
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop pumps raw units into the pipeline until the link fails or the
// connection closes. Unexpected read errors are fired into the pipeline,
// tagged with the remote address, before the loop returns.
func (c *NetConn) readLoop(ctx context.Context) error {
	for {
		if err := c.waitReadable(ctx); err != nil {
			return err
		}

		unit, err := c.link.readUnit(ctx)
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("connection closed by peer", "addr", c.RemoteAddr())
				return errClosedByPeer
			}
			err = transportError(err, c.RemoteAddr())
			c.logger.Debug("read error", "addr", c.RemoteAddr(), "error", err.Error())
			c.loop.Execute(func(context.Context) { c.pipeline.FireError(err) })
			return err
		}

		c.loop.Execute(func(context.Context) { c.pipeline.FireRead(unit) })
	}
}

// writeLoop encodes and writes queued messages in order.
// Returns when the connection closes or a write fails.
func (c *NetConn) writeLoop(ctx context.Context) error {
	for {
		w, err := c.writes.pop(ctx)
		if err != nil {
			return err
		}

		data, err := c.opts.codec.Encode(w.msg)
		if err != nil {
			c.logger.Debug("encode error", "addr", c.RemoteAddr(), "error", err.Error())
			c.complete(w.done, &EncodeError{Err: err})
			continue
		}

		if err := c.link.writeUnit(ctx, data); err != nil {
			if c.closed.Load() {
				c.complete(w.done, ErrConnectionClosed)
				return context.Canceled
			}
			err = transportError(err, c.RemoteAddr())
			c.logger.Debug("write error", "addr", c.RemoteAddr(), "error", err.Error())
			c.complete(w.done, err)
			return err
		}
		c.complete(w.done, nil)
	}
}

// deadline returns the absolute I/O deadline for the heartbeat, or the
// zero time when heartbeats are disabled.
func (o options) deadline() time.Time {
	if o.heartbeat <= 0 {
		return time.Time{}
	}
	return time.Now().Add(o.heartbeat * 2)
}

type pendingWrite struct {
	msg  Message
	done func(error)
}

// writeQueue is an unbounded FIFO between the loop and the write loop.
// Flow control is left to the kernel socket buffers.
type writeQueue struct {
	mu     sync.Mutex
	items  []pendingWrite
	closed bool
	signal chan struct{}
}

func (q *writeQueue) init() {
	q.signal = make(chan struct{}, 1)
}

// push appends w. It reports false if the queue is closed.
func (q *writeQueue) push(w pendingWrite) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, w)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available or ctx is done.
func (q *writeQueue) pop(ctx context.Context) (pendingWrite, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pendingWrite{}, context.Canceled
		}
		if len(q.items) > 0 {
			w := q.items[0]
			q.items[0] = pendingWrite{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return w, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return pendingWrite{}, ctx.Err()
		}
	}
}

// close marks the queue closed and returns the writes that never ran.
func (q *writeQueue) close() []pendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}
