package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// quicListener adapts a quic.EarlyListener to net.Listener: each
// accepted QUIC connection yields exactly one bidirectional stream,
// treated as one MQTT connection.
type quicListener struct {
	inner *quic.EarlyListener
}

func newQUICListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	tlsConfig = tlsConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"mqtt"}
	}

	ln, err := quic.ListenEarly(conn, tlsConfig, &quic.Config{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &quicListener{inner: ln}, nil
}

func (l *quicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Close() error   { return l.inner.Close() }
func (l *quicListener) Addr() net.Addr { return l.inner.Addr() }

// quicConn adapts one quic.Connection + its single quic.Stream to
// net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicConn) Close() error                { return c.stream.Close() }
func (c *quicConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
