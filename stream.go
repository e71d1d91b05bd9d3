package sockchan

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
)

// streamLink reads a byte stream (TCP, TLS, unix) in fixed-size chunks.
type streamLink struct {
	conn net.Conn
	buf  []byte
	opts options
}

func newStreamLink(conn net.Conn, opts options) *streamLink {
	return &streamLink{
		conn: conn,
		buf:  make([]byte, opts.readBufferSize),
		opts: opts,
	}
}

// readUnit returns the next chunk of bytes. The chunk is a fresh slice, so
// it may be buffered by the pipeline.
func (l *streamLink) readUnit(context.Context) ([]byte, error) {
	for {
		_ = l.conn.SetReadDeadline(l.opts.deadline())

		n, err := l.conn.Read(l.buf)
		if n > 0 {
			unit := make([]byte, n)
			copy(unit, l.buf[:n])
			return unit, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (l *streamLink) writeUnit(_ context.Context, data []byte) error {
	_ = l.conn.SetWriteDeadline(l.opts.deadline())
	_, err := l.conn.Write(data)
	return err
}

func (l *streamLink) localAddr() net.Addr  { return l.conn.LocalAddr() }
func (l *streamLink) remoteAddr() net.Addr { return l.conn.RemoteAddr() }

// peerCertificates reads the chain from connections that expose a TLS
// connection state, such as *tls.Conn.
func (l *streamLink) peerCertificates() []*x509.Certificate {
	if sc, ok := l.conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
		return sc.ConnectionState().PeerCertificates
	}
	return nil
}

func (l *streamLink) close() error {
	return l.conn.Close()
}
