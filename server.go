package sockchan

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called in its own goroutine for each new connection.
	// ctx is the context passed to Serve.
	// The implementation is responsible for managing the connection.
	Handle(ctx context.Context, conn *net.TCPConn)
}

// Acceptor is a Handler that installs a Channel on every accepted
// connection and runs it until it closes.
type Acceptor struct {
	// Initializer adds protocol stages. May be nil.
	Initializer Initializer
	// Factory builds the session of each connection. Required.
	Factory SessionFactory
	// Options configure each connection and channel. A codec is required.
	Options []Option
}

// Handle wraps conn, starts the install sequence and blocks in Run until the
// connection closes.
func (a *Acceptor) Handle(ctx context.Context, conn *net.TCPConn) {
	c, err := NewConn(conn, a.Options...)
	if err != nil {
		newOptions(a.Options...).logger.Error("wrap accepted connection", "addr", conn.RemoteAddr(), "error", err.Error())
		_ = conn.Close()
		return
	}

	Start(c, a.Initializer, a.Factory, a.Options...)
	_ = c.Run(ctx)
}

// Dial connects to address and starts the install sequence on the new
// connection. The connection runs until it closes or ctx is canceled.
func Dial(ctx context.Context, network, address string, init Initializer, factory SessionFactory, opt ...Option) (*NetConn, *Future[Session], error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", address)
	}

	c, err := NewConn(raw, opt...)
	if err != nil {
		_ = raw.Close()
		return nil, nil, err
	}

	session := Start(c, init, factory, opt...)
	go func() { _ = c.Run(ctx) }()
	return c, session, nil
}

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	mu        sync.Mutex
	shutdown  bool
	closing   chan struct{} // closed by Close, bypasses the drain timeout
	closeOnce sync.Once

	handlers sync.WaitGroup
	active   atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets how long live connections may keep
// running after the Serve context is canceled. The listener stops accepting
// at once; handlers see their context canceled when the timeout expires,
// when Close is called, or immediately if the timeout is 0 (the default).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   slog.Default(),
		closing:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and runs handler for each one in its own
// goroutine. It blocks until ctx is canceled or accepting fails, then
// drains: handlers get their context canceled once the shutdown timeout
// expires, and Serve returns after every handler has returned.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Connections outlive ctx by up to the shutdown timeout.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stopAccept := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	})
	defer stopAccept()

	err := s.accept(ctx, connCtx, handler)
	s.drain(cancelConns)
	return err
}

func (s *Server) accept(ctx, connCtx context.Context, handler Handler) error {
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr(), "open_connections", s.active.Load())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err.Error())
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.handlers.Add(1)
		s.active.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.active.Add(-1)
			handler.Handle(connCtx, conn)
		}()
	}
}

// drain waits for handlers to finish on their own for up to the shutdown
// timeout, then cancels them and waits for them to return.
func (s *Server) drain(cancelConns context.CancelFunc) {
	if s.shutdownTimeout > 0 && s.active.Load() > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout, "open_connections", s.active.Load())

		finished := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(finished)
		}()

		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			s.logger.Info("shutdown timeout expired", "open_connections", s.active.Load())
		case <-s.closing:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	cancelConns()
	s.handlers.Wait()
}

// Close stops the server by closing the underlying listener and cancels
// live handlers without waiting for the shutdown timeout.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closing) })
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
