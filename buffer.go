package sockchan

import (
	"github.com/pkg/errors"
)

const (
	delayedInboundName = "delayed-inbound"
	sessionDriverName  = "session-driver"
)

// delayedInbound holds inbound units that arrive before the session exists.
// Entering the pipeline turns auto-read off, so nothing beyond what the
// engine already had in flight is read until installSession turns it back on.
//
// pending is only touched on the connection's loop. torn is set as soon as
// the connection goes inactive or the pipeline reports an error, before the
// channel's own failure task runs, so a session resolved in between is never
// promoted.
type delayedInbound struct {
	ch      *Channel
	sc      *StageContext
	pending []any
	drained bool
	torn    error
}

func newDelayedInbound(ch *Channel) *delayedInbound {
	return &delayedInbound{ch: ch}
}

func (b *delayedInbound) StageAdded(sc *StageContext) {
	b.sc = sc
	b.ch.conn.SetAutoRead(false)
}

func (b *delayedInbound) Read(sc *StageContext, msg any) {
	if b.drained {
		sc.FireRead(msg)
		return
	}
	b.pending = append(b.pending, msg)
}

func (b *delayedInbound) Inactive(sc *StageContext) {
	if n := b.releaseAll(); n > 0 {
		b.ch.logger.Debug("released buffered inbound units of inactive connection",
			"channel", b.ch.id, "count", n)
	}
	b.tear(ErrInactive)
	b.ch.fail(ErrInactive)
	sc.FireInactive()
}

func (b *delayedInbound) Error(_ *StageContext, err error) {
	b.tear(err)
	b.ch.fail(err)
}

func (b *delayedInbound) tear(err error) {
	if b.torn == nil {
		b.torn = err
	}
}

// installSession promotes the buffer into a session driver: the driver is
// appended after the protocol stages, the buffer leaves the pipeline,
// auto-read is re-enabled and the buffered units are replayed in arrival
// order. It must run on the connection's loop.
func (b *delayedInbound) installSession(s Session) error {
	if b.torn != nil {
		b.releaseAll()
		return errors.Wrap(b.torn, "connection torn down before the session was installed")
	}
	if b.sc == nil || b.sc.Removed() {
		if n := b.releaseAll(); n > 0 {
			return errors.Wrapf(ErrInternalConsistency,
				"%d inbound units still buffered after %s left the pipeline", n, delayedInboundName)
		}
		return errors.Wrap(ErrIllegalState, "session already installed")
	}

	p := b.sc.Pipeline()
	d := newSessionDriver(b.ch, s)
	if err := p.AddLast(sessionDriverName, d); err != nil {
		return err
	}
	b.ch.driver.Store(d)
	if err := p.Remove(delayedInboundName); err != nil {
		return err
	}
	b.ch.conn.SetAutoRead(true)

	pending := b.pending
	b.pending = nil
	b.drained = true
	b.ch.metrics.Buffered(len(pending))
	for _, msg := range pending {
		b.sc.FireRead(msg)
	}
	return nil
}

// releaseAll discards every buffered unit and reports how many there were.
func (b *delayedInbound) releaseAll() int {
	n := len(b.pending)
	for _, msg := range b.pending {
		release(msg)
	}
	b.pending = nil
	b.drained = true
	return n
}
