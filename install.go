package sockchan

import (
	"context"

	"github.com/pkg/errors"
)

// Install wires a channel onto a freshly created connection and starts
// building its session.
//
// It must be called from a task running on conn's loop, with the ctx that
// task received; anywhere else it returns ErrIllegalState. Install attaches
// the inbound buffer (which pauses auto-read), runs init to add protocol
// stages, then calls factory. When the factory's Future succeeds, the
// buffer is promoted to a session driver on the loop and the returned
// Future resolves with the session. When it fails, the channel fails and
// the returned Future carries the error. Cancelling the returned Future
// fails the channel and closes the connection.
func Install(ctx context.Context, conn Conn, init Initializer, factory SessionFactory, opt ...Option) (*Channel, *Future[Session], error) {
	if conn == nil || factory == nil {
		return nil, nil, errors.Wrap(ErrIllegalState, "install needs a connection and a session factory")
	}
	if !conn.Loop().InLoop(ctx) {
		return nil, nil, errors.Wrap(ErrIllegalState, "install must run on the connection's loop")
	}

	opts := newOptions(opt...)
	ch := newChannel(conn, opts)
	buffer := newDelayedInbound(ch)
	if err := conn.Pipeline().AddFirst(delayedInboundName, buffer); err != nil {
		return nil, nil, err
	}

	result := NewFuture[Session]()
	if init != nil {
		if err := init(conn.Pipeline()); err != nil {
			err = errors.Wrap(err, "protocol initializer")
			result.Fail(err)
			ch.fail(err)
			return ch, result, nil
		}
	}

	ch.logger.Debug("channel installing", "channel", ch.id, "addr", conn.RemoteAddr(),
		"stages", conn.Pipeline().Names())

	pending := factory(ch)
	if pending == nil {
		pending = Failed[Session](errors.New("session factory returned no future"))
	}

	result.OnComplete(func(_ Session, err error) {
		if errors.Is(err, ErrCancelled) {
			pending.Cancel()
			ch.fail(errors.Wrap(err, "session construction"))
		}
	})

	pending.OnComplete(func(s Session, err error) {
		if err == nil && s == nil {
			err = errors.New("session factory produced a nil session")
		}
		ch.executor.Execute(func(context.Context) error {
			if err != nil {
				err = errors.Wrap(err, "session construction")
				result.Fail(err)
				ch.handleFail(err)
				return nil
			}
			if result.IsDone() {
				return nil
			}
			if ch.failed.Load() {
				result.Fail(ch.Cause())
				return nil
			}
			if !conn.IsOpen() {
				err := errors.Wrap(ErrInactive, "connection closed before the session was installed")
				result.Fail(err)
				ch.handleFail(err)
				return nil
			}
			if err := buffer.installSession(s); err != nil {
				result.Fail(err)
				ch.handleFail(err)
				return nil
			}
			ch.metrics.Installed()
			ch.logger.Debug("session installed", "channel", ch.id, "addr", conn.RemoteAddr())
			result.Resolve(s)
			return nil
		})
	})

	return ch, result, nil
}

// Start schedules Install on conn's loop and returns a Future for the
// session. If installation cannot start, the connection is closed.
// Cancelling the returned Future cancels session construction.
func Start(conn Conn, init Initializer, factory SessionFactory, opt ...Option) *Future[Session] {
	result := NewFuture[Session]()
	conn.Loop().Execute(func(ctx context.Context) {
		if result.IsDone() {
			_ = conn.Close()
			return
		}

		_, session, err := Install(ctx, conn, init, factory, opt...)
		if err != nil {
			result.Fail(err)
			_ = conn.Close()
			return
		}

		result.OnComplete(func(_ Session, err error) {
			if errors.Is(err, ErrCancelled) {
				session.Cancel()
			}
		})
		session.OnComplete(func(s Session, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			result.Resolve(s)
		})
	})
	return result
}
