package sockchan

import (
	"context"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/pkg/errors"
)

// Status is the binary health of a channel.
type Status int

const (
	// StatusOpen means the channel has not failed and its connection is open.
	StatusOpen Status = iota
	// StatusClosed means the channel failed or its connection closed. It is permanent.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channelSerial numbers channels for diagnostics.
var channelSerial atomix.Uint32

func nextChannelID() uint32 {
	return channelSerial.Add(1)
}

type failure struct {
	err error
}

// Channel is the ordered, bidirectional message channel bound to one
// connection. All of its methods are safe to call from any goroutine; every
// state change is funnelled through the channel's serial executor on the
// connection's loop.
type Channel struct {
	id       uint32
	conn     Conn
	executor *serialExecutor
	logger   Logger
	metrics  Metrics

	failed atomic.Bool
	cause  atomic.Pointer[failure]
	closed *Future[struct{}]
	driver atomic.Pointer[sessionDriver]

	certOnce sync.Once
	cert     *x509.Certificate
}

func newChannel(conn Conn, opts options) *Channel {
	c := &Channel{
		id:      nextChannelID(),
		conn:    conn,
		logger:  opts.logger,
		metrics: opts.metrics,
		closed:  NewFuture[struct{}](),
	}
	c.executor = &serialExecutor{
		loop:    conn.Loop(),
		logger:  opts.logger,
		onFault: c.handleFail,
	}
	return c
}

// ID returns the process-unique serial of the channel.
func (c *Channel) ID() uint32 { return c.id }

// Conn returns the underlying connection.
func (c *Channel) Conn() Conn { return c.conn }

// Send writes msg after every write previously submitted to this channel
// and calls done with the outcome. done runs on the connection's loop and
// may be nil.
func (c *Channel) Send(msg Message, done func(error)) {
	c.SendAll([]Message{msg}, done)
}

// SendAll writes msgs in order and calls done once, after the last write
// completes. A failed write anywhere in the batch fails the channel, and
// done receives the first failure in the batch. An empty batch completes
// with nil, asynchronously.
func (c *Channel) SendAll(msgs []Message, done func(error)) {
	c.executor.Execute(func(context.Context) error {
		if len(msgs) == 0 {
			if done != nil {
				done(nil)
			}
			return nil
		}

		// Completions arrive on the loop in write order, so every earlier
		// write has reported by the time the last one does.
		var batchErr error
		last := len(msgs) - 1
		for _, msg := range msgs[:last] {
			c.conn.Write(msg, func(err error) {
				if err != nil && batchErr == nil {
					batchErr = c.wrapWriteError(err)
				}
				c.voidWrite(err)
			})
		}
		c.conn.Write(msgs[last], func(err error) {
			if batchErr != nil {
				err = batchErr
			} else if err != nil {
				err = c.wrapWriteError(err)
				c.fail(err)
			}
			if done != nil {
				done(err)
			}
		})
		return nil
	})
}

// SendAndForget writes msg in order without observing completion. A failed
// write still fails the channel.
func (c *Channel) SendAndForget(msg Message) {
	c.SendAllAndForget([]Message{msg})
}

// SendAllAndForget writes msgs in order without observing completion.
func (c *Channel) SendAllAndForget(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	c.executor.Execute(func(context.Context) error {
		for _, msg := range msgs {
			c.conn.Write(msg, c.voidWrite)
		}
		return nil
	})
}

// voidWrite is the completion for writes nobody waits on.
func (c *Channel) voidWrite(err error) {
	if err != nil {
		c.fail(c.wrapWriteError(err))
	}
}

// wrapWriteError tags I/O failures with the remote address. Codec failures
// and writes refused after close are returned as they are.
func (c *Channel) wrapWriteError(err error) error {
	if errors.Is(err, ErrConnectionClosed) || IsEncodeError(err) {
		return err
	}
	return transportError(err, c.conn.RemoteAddr())
}

// Close closes the connection if it is still open and returns the
// connection's close signal. Nothing needs draining, so deadline is accepted
// but has no effect.
func (c *Channel) Close(deadline time.Time) *Future[struct{}] {
	if c.conn.IsOpen() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close connection", "channel", c.id, "error", err.Error())
		}
	}
	return c.conn.CloseFuture()
}

// Status reports StatusClosed once the channel failed or its connection is
// no longer open.
func (c *Channel) Status() Status {
	if c.failed.Load() || !c.conn.IsOpen() {
		return StatusClosed
	}
	return StatusOpen
}

// OnClose returns a Future resolved once the channel's failure sequence has
// run. It is resolved from a separate loop task, never inside the code path
// that caused the failure.
func (c *Channel) OnClose() *Future[struct{}] {
	return c.closed
}

// Cause returns the error that failed the channel, or nil while it is open.
func (c *Channel) Cause() error {
	if f := c.cause.Load(); f != nil {
		return f.err
	}
	return nil
}

// LocalAddr returns the local network address of the connection.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address of the connection.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// PeerCertificate returns the leaf certificate presented by the peer, or nil
// when the connection is not secured or the peer sent none. It is computed
// on first use.
func (c *Channel) PeerCertificate() *x509.Certificate {
	c.certOnce.Do(func() {
		if certs := c.conn.PeerCertificates(); len(certs) > 0 {
			c.cert = certs[0]
		}
	})
	return c.cert
}

// RegisterSession replaces the session receiving inbound messages. Messages
// whose delivery is already scheduled reach the new session too. It fails
// with ErrIllegalState before install has completed.
func (c *Channel) RegisterSession(s Session) error {
	if s == nil {
		return errors.New("register nil session")
	}
	d := c.driver.Load()
	if d == nil {
		return errors.Wrap(ErrIllegalState, "register session before install completed")
	}
	d.registerSession(s)
	return nil
}

// fail schedules the unified failure sequence. Safe from any goroutine.
func (c *Channel) fail(err error) {
	c.executor.Execute(func(context.Context) error {
		c.handleFail(err)
		return nil
	})
}

// handleFail runs on the loop. The first call marks the channel failed,
// schedules resolution of OnClose and closes the connection; later calls
// do nothing.
func (c *Channel) handleFail(err error) {
	if !c.failed.CompareAndSwap(false, true) {
		return
	}
	c.cause.Store(&failure{err: err})

	if errors.Is(err, ErrInactive) || errors.Is(err, ErrConnectionClosed) {
		c.logger.Debug("channel closed", "channel", c.id, "addr", c.conn.RemoteAddr())
	} else {
		c.logger.Info("channel failed", "channel", c.id, "addr", c.conn.RemoteAddr(), "error", err.Error())
	}
	c.metrics.Failed(err)

	c.executor.Execute(func(context.Context) error {
		c.closed.Resolve(struct{}{})
		return nil
	})

	if c.conn.IsOpen() {
		if cerr := c.conn.Close(); cerr != nil {
			c.logger.Debug("close connection", "channel", c.id, "error", cerr)
		}
	}
}
