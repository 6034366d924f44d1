// Package transport adapts the pluggable MQTT front-ends (TCP, TLS,
// WebSocket, QUIC) to the single net.Listener/net.Conn
// shape internal/mqtt/processor reads frames from: a tcp/tls/ws/wss
// switch, a wsListener wrapping gorilla/websocket.Upgrader as a
// net.Listener, a QUIC stream adapter, and a MultiListener fan-in.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Network selects which front-end Listen binds.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkTLS  Network = "tls"
	NetworkWS   Network = "ws"
	NetworkWSS  Network = "wss"
	NetworkQUIC Network = "quic"
)

// Listen creates a listener for the given network and address, mirroring
// the transport ports (tcp_port, tcps_port, websocket_port,
// websockets_port, quic_port).
func Listen(network Network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	switch Network(strings.ToLower(string(network))) {
	case NetworkTCP, "":
		return net.Listen("tcp", addr)

	case NetworkTLS:
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for tls listener")
		}
		return tls.Listen("tcp", addr, tlsConfig)

	case NetworkWS:
		return newWSListener(addr, nil)

	case NetworkWSS:
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for wss listener")
		}
		return newWSListener(addr, tlsConfig)

	case NetworkQUIC:
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for quic listener")
		}
		return newQUICListener(addr, tlsConfig)

	default:
		return nil, fmt.Errorf("transport: unsupported network: %s", network)
	}
}

// wsListener implements net.Listener over an HTTP server that upgrades
// every request on "/" or "/mqtt" to a WebSocket carrying the "mqtt"
// subprotocol.
type wsListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
	closeCh   chan struct{}
	server    *http.Server
	upgrader  websocket.Upgrader
	addr      net.Addr
}

func newWSListener(addr string, tlsConfig *tls.Config) (*wsListener, error) {
	l := &wsListener{
		connCh:  make(chan net.Conn, 100),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleWS)
	mux.HandleFunc("/mqtt", l.handleWS)
	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	l.addr = ln.Addr()

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *wsListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.server.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr { return l.addr }

// MultiListener fans in Accept calls from several underlying listeners,
// so one accept loop can serve TCP, TLS, WS and QUIC concurrently.
type MultiListener struct {
	listeners []net.Listener
	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewMultiListener combines listeners into a single net.Listener.
func NewMultiListener(listeners ...net.Listener) *MultiListener {
	ml := &MultiListener{
		listeners: listeners,
		connCh:    make(chan net.Conn, 100),
		errCh:     make(chan error, len(listeners)),
		closeCh:   make(chan struct{}),
	}
	for _, ln := range listeners {
		go ml.acceptLoop(ln)
	}
	return ml
}

func (ml *MultiListener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case ml.errCh <- err:
			case <-ml.closeCh:
			}
			return
		}
		select {
		case ml.connCh <- conn:
		case <-ml.closeCh:
			conn.Close()
			return
		}
	}
}

func (ml *MultiListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ml.connCh:
		return conn, nil
	case err := <-ml.errCh:
		return nil, err
	case <-ml.closeCh:
		return nil, net.ErrClosed
	}
}

func (ml *MultiListener) Close() error {
	ml.closeOnce.Do(func() {
		close(ml.closeCh)
		for _, ln := range ml.listeners {
			ln.Close()
		}
	})
	return nil
}

func (ml *MultiListener) Addr() net.Addr {
	if len(ml.listeners) > 0 {
		return ml.listeners[0].Addr()
	}
	return nil
}
