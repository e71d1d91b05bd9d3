package sockchan

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// sessionRef boxes a Session so it can live in an atomic.Pointer.
type sessionRef struct {
	session Session
}

// sessionDriver dispatches decoded messages to the current session.
// The session is looked up when the delivery task runs, so a swap is seen
// by the next scheduled delivery.
type sessionDriver struct {
	ch      *Channel
	current atomic.Pointer[sessionRef]
}

func newSessionDriver(ch *Channel, s Session) *sessionDriver {
	d := &sessionDriver{ch: ch}
	d.registerSession(s)
	return d
}

func (d *sessionDriver) registerSession(s Session) {
	d.current.Store(&sessionRef{session: s})
}

func (d *sessionDriver) session() Session {
	if ref := d.current.Load(); ref != nil {
		return ref.session
	}
	return nil
}

func (d *sessionDriver) Read(_ *StageContext, msg any) {
	m, err := asMessage(msg)
	if err != nil {
		release(msg)
		d.ch.fail(err)
		return
	}

	d.ch.executor.Execute(func(ctx context.Context) error {
		if d.ch.failed.Load() {
			release(m)
			return nil
		}
		s := d.session()
		if s == nil {
			return errors.Wrap(ErrIllegalState, "no session registered")
		}
		d.ch.metrics.Delivered()
		return s.Receive(ctx, m)
	})
}

func (d *sessionDriver) Inactive(*StageContext) {
	d.ch.fail(ErrInactive)
}

func (d *sessionDriver) Error(_ *StageContext, err error) {
	d.ch.fail(err)
}

// asMessage converts an inbound unit into a Message. Raw bytes that were
// not decoded by a protocol stage are delivered as a Packet.
func asMessage(msg any) (Message, error) {
	switch v := msg.(type) {
	case Message:
		return v, nil
	case []byte:
		return Packet(v), nil
	default:
		return nil, errors.Wrapf(ErrUnexpectedMessage, "session driver got %T", msg)
	}
}
