package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC links.
const ALPN = "tether/1"

const quicKeepAlive = 10 * time.Second
const quicIdleTimeout = 60 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// QUICConn is a single bidirectional QUIC stream used as the connection
// byte stream. Closing it closes the whole QUIC connection.
type QUICConn struct {
	*quic.Stream
	conn *quic.Conn
}

// Close tears down the stream and its connection.
func (c *QUICConn) Close() error {
	_ = c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}

// RemoteAddr returns the peer's network address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// DialQUIC dials addr and opens the connection stream.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConn, error) {
	tlsConfig = withALPN(tlsConfig)
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic connect: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &QUICConn{Stream: stream, conn: conn}, nil
}

// QUICListener accepts agent connections over QUIC.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens on addr.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(tlsConfig), quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for a QUIC connection. It returns as soon as the QUIC
// handshake completes; the caller waits for the link stream with
// PendingQUIC.Stream so a silent peer cannot hold up the next Accept.
func (l *QUICListener) Accept(ctx context.Context) (*PendingQUIC, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &PendingQUIC{conn: conn}, nil
}

// PendingQUIC is an accepted QUIC connection whose peer has not yet opened
// the link stream.
type PendingQUIC struct {
	conn *quic.Conn
}

// RemoteAddr returns the peer's network address.
func (p *PendingQUIC) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Stream waits for the peer's first stream. The connection is closed when
// none arrives within the handshake timeout.
func (p *PendingQUIC) Stream(ctx context.Context) (*QUICConn, error) {
	streamCtx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()
	stream, err := p.conn.AcceptStream(streamCtx)
	if err != nil {
		_ = p.conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &QUICConn{Stream: stream, conn: p.conn}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting connections.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

func withALPN(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		cfg = cfg.Clone()
	}
	cfg.NextProtos = []string{ALPN}
	return cfg
}
