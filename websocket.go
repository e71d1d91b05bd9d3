package sockchan

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// wsAddr is the address of a WebSocket peer as known from the HTTP layer.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// wsLink carries one raw unit per WebSocket message. Outbound units are
// sent as binary messages; inbound text and binary messages are accepted.
type wsLink struct {
	conn   *websocket.Conn
	local  net.Addr
	remote net.Addr
	certs  []*x509.Certificate
	opts   options
}

// NewWebSocketConn wraps an established WebSocket connection. local and
// remote describe the endpoints for diagnostics and may be nil.
func NewWebSocketConn(ws *websocket.Conn, local, remote net.Addr, opt ...Option) (*NetConn, error) {
	opts := newOptions(opt...)
	if opts.codec == nil {
		return nil, ErrInvalidCodec
	}
	return newWebSocketConn(ws, local, remote, nil, opts), nil
}

func newWebSocketConn(ws *websocket.Conn, local, remote net.Addr, certs []*x509.Certificate, opts options) *NetConn {
	ws.SetReadLimit(int64(opts.maxReadLength))
	if local == nil {
		local = wsAddr("")
	}
	if remote == nil {
		remote = wsAddr("")
	}
	return newNetConn(&wsLink{
		conn:   ws,
		local:  local,
		remote: remote,
		certs:  certs,
		opts:   opts,
	}, opts)
}

// AcceptWebSocket upgrades an HTTP request and wraps the resulting
// WebSocket connection. Client certificates of TLS requests are exposed
// through PeerCertificates.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opt ...Option) (*NetConn, error) {
	opts := newOptions(opt...)
	if opts.codec == nil {
		return nil, ErrInvalidCodec
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket accept")
	}

	local, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	var certs []*x509.Certificate
	if r.TLS != nil {
		certs = r.TLS.PeerCertificates
	}
	return newWebSocketConn(ws, local, wsAddr(r.RemoteAddr), certs, opts), nil
}

// DialWebSocket connects to the WebSocket endpoint at url.
func DialWebSocket(ctx context.Context, url string, opt ...Option) (*NetConn, error) {
	opts := newOptions(opt...)
	if opts.codec == nil {
		return nil, ErrInvalidCodec
	}

	ws, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "websocket dial %s", url)
	}

	var certs []*x509.Certificate
	if resp != nil && resp.TLS != nil {
		certs = resp.TLS.PeerCertificates
	}
	return newWebSocketConn(ws, nil, wsAddr(url), certs, opts), nil
}

// readUnit returns the payload of the next message. A normal close by the
// peer is reported as io.EOF.
func (l *wsLink) readUnit(ctx context.Context) ([]byte, error) {
	if d := l.opts.deadline(); !d.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d)
		defer cancel()
	}

	_, data, err := l.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (l *wsLink) writeUnit(ctx context.Context, data []byte) error {
	if d := l.opts.deadline(); !d.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d)
		defer cancel()
	}
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *wsLink) localAddr() net.Addr                   { return l.local }
func (l *wsLink) remoteAddr() net.Addr                  { return l.remote }
func (l *wsLink) peerCertificates() []*x509.Certificate { return l.certs }

// close starts the closing handshake without waiting for the peer, since
// it may be called from the loop.
func (l *wsLink) close() error {
	go func() {
		_ = l.conn.Close(websocket.StatusNormalClosure, "")
	}()
	return nil
}
