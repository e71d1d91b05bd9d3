package sockchan

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockCodec implements Codec interface for testing
type mockCodec struct {
	decodeFunc func(io.Reader) (Message, error)
	encodeFunc func(Message) ([]byte, error)
}

func (c *mockCodec) Decode(r io.Reader) (Message, error) {
	if c.decodeFunc != nil {
		return c.decodeFunc(r)
	}
	buf := make([]byte, 1024)
	n, err := r.Read(buf)
	if err != nil {
		return nil, err
	}
	return Packet(buf[:n]), nil
}

func (c *mockCodec) Encode(msg Message) ([]byte, error) {
	if c.encodeFunc != nil {
		return c.encodeFunc(msg)
	}
	return msg.Body(), nil
}

// testConn is an in-memory Conn. Writes are recorded and completed on the
// loop, like NetConn does. Once a write fails, every later write fails too,
// as on a broken socket.
type testConn struct {
	loop        *EventLoop
	pipeline    *Pipeline
	closeFuture *Future[struct{}]
	certs       []*x509.Certificate

	mu          sync.Mutex
	written     []string
	autoReadLog []bool
	writeErr    func(Message) error
	broken      error

	autoRead atomic.Bool
	closed   atomic.Bool
	closes   atomic.Int32
	certCall atomic.Int32
}

func newTestConn() *testConn {
	c := &testConn{
		loop:        NewEventLoop(nil),
		pipeline:    NewPipeline(nil),
		closeFuture: NewFuture[struct{}](),
	}
	c.autoRead.Store(true)
	return c
}

func (c *testConn) Loop() *EventLoop    { return c.loop }
func (c *testConn) Pipeline() *Pipeline { return c.pipeline }

func (c *testConn) SetAutoRead(enabled bool) {
	c.autoRead.Store(enabled)
	c.mu.Lock()
	c.autoReadLog = append(c.autoReadLog, enabled)
	c.mu.Unlock()
}

func (c *testConn) AutoRead() bool { return c.autoRead.Load() }

func (c *testConn) Write(msg Message, done func(error)) {
	c.mu.Lock()
	err := c.broken
	switch {
	case c.closed.Load():
		err = ErrConnectionClosed
	case err == nil && c.writeErr != nil:
		if err = c.writeErr(msg); err != nil {
			c.broken = err
		}
	}
	if err == nil {
		c.written = append(c.written, string(msg.Body()))
	}
	c.mu.Unlock()

	if done != nil {
		c.loop.Execute(func(context.Context) { done(err) })
	}
}

func (c *testConn) IsOpen() bool   { return !c.closed.Load() }
func (c *testConn) IsActive() bool { return !c.closed.Load() }

func (c *testConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1000}
}

func (c *testConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2000}
}

func (c *testConn) PeerCertificates() []*x509.Certificate {
	c.certCall.Add(1)
	return c.certs
}

func (c *testConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closes.Add(1)
	c.loop.Execute(func(context.Context) {
		c.pipeline.FireInactive()
		c.closeFuture.Resolve(struct{}{})
	})
	return nil
}

func (c *testConn) CloseFuture() *Future[struct{}] { return c.closeFuture }

func (c *testConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *testConn) autoReads() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.autoReadLog...)
}

// deliver fires raw units into the pipeline from the loop, as the engine would.
func (c *testConn) deliver(units ...any) {
	for _, u := range units {
		c.loop.Execute(func(context.Context) { c.pipeline.FireRead(u) })
	}
}

// recordingSession records the body of every message it receives.
type recordingSession struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func newRecordingSession() *recordingSession {
	return &recordingSession{}
}

func (s *recordingSession) Receive(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(msg.Body()))
	return s.err
}

func (s *recordingSession) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

// releasable is an inbound unit that records its release.
type releasable struct {
	body     []byte
	released atomic.Bool
}

func (r *releasable) Length() int  { return len(r.body) }
func (r *releasable) Body() []byte { return r.body }
func (r *releasable) Release()     { r.released.Store(true) }

// countingMetrics counts Metrics calls.
type countingMetrics struct {
	installed atomic.Int32
	buffered  atomic.Int32
	delivered atomic.Int32
	failed    atomic.Int32
}

func (m *countingMetrics) Installed()     { m.installed.Add(1) }
func (m *countingMetrics) Buffered(n int) { m.buffered.Add(int32(n)) }
func (m *countingMetrics) Delivered()     { m.delivered.Add(1) }
func (m *countingMetrics) Failed(error)   { m.failed.Add(1) }

// onLoop runs fn on loop and waits for it to finish.
func onLoop(t *testing.T, loop *EventLoop, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	loop.Execute(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for loop task")
	}
}

// settle lets chains of loop tasks that schedule further tasks run out.
func settle(t *testing.T, loop *EventLoop) {
	t.Helper()
	for i := 0; i < 10; i++ {
		onLoop(t, loop, func(context.Context) {})
	}
}

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond * 5)
	}
}

// waitFuture waits up to five seconds for f.
func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("timeout waiting for future")
	}
	return v, err
}

// install runs Install on c's loop.
func install(t *testing.T, c *testConn, init Initializer, factory SessionFactory, opt ...Option) (*Channel, *Future[Session]) {
	t.Helper()
	var (
		ch      *Channel
		session *Future[Session]
		err     error
	)
	onLoop(t, c.loop, func(ctx context.Context) {
		ch, session, err = Install(ctx, c, init, factory, opt...)
	})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	return ch, session
}

// installed returns a channel whose session is already in place.
func installed(t *testing.T, c *testConn, s Session, opt ...Option) *Channel {
	t.Helper()
	ch, session := install(t, c, nil, func(*Channel) *Future[Session] {
		return Resolved(s)
	}, opt...)
	if _, err := waitFuture(t, session); err != nil {
		t.Fatalf("session construction failed: %v", err)
	}
	return ch
}

// logEntry is one call captured by recordingLogger.
type logEntry struct {
	level string
	msg   string
	args  []any
}

// recordingLogger keeps every log call. It is safe for concurrent use.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

// find returns the first entry logged with msg.
func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// arg returns the value logged under key.
func (e logEntry) arg(key string) (any, bool) {
	for i := 0; i+1 < len(e.args); i += 2 {
		if e.args[i] == key {
			return e.args[i+1], true
		}
	}
	return nil, false
}
