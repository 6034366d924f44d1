// Package callmgr implements the internal broker-to-broker RPC: after
// a successful metadata write, the leader
// propagates cache invalidations to every broker, retrying with backoff
// until acknowledged or the target is declared dead by the cluster
// registry. The wire format is a length-prefixed, gob-encoded
// request/response frame over plain TCP, the same
// length-prefix-then-payload framing the storage engine uses for
// segment records; it binds the configured grpc_port.
package callmgr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robustmq/robustmq/internal/logging"
	"github.com/robustmq/robustmq/internal/rerror"
)

// Method names dispatched by the RPC server.
const (
	MethodCacheInvalidate = "CacheInvalidate"
	MethodHeartbeat       = "Heartbeat"
)

// Request is one RPC call frame.
type Request struct {
	ID     string
	Method string
	Body   []byte
}

// Response is the reply frame for one Request.
type Response struct {
	ID    string
	OK    bool
	Error string
	Body  []byte
}

// maxFrameSize bounds a single RPC frame.
const maxFrameSize = 16 << 20

func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return rerror.Wrap(rerror.IO, err, "callmgr: encode frame")
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(buf.Len()))
	if _, err := w.Write(header); err != nil {
		return rerror.Wrap(rerror.Transport, err, "callmgr: write frame")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return rerror.Wrap(rerror.Transport, err, "callmgr: write frame")
	}
	return nil
}

func readFrame(r io.Reader, v interface{}) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return rerror.Wrap(rerror.Transport, err, "callmgr: read frame header")
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return rerror.New(rerror.Protocol, "callmgr: frame of %d bytes exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return rerror.Wrap(rerror.Transport, err, "callmgr: read frame body")
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return rerror.Wrap(rerror.IO, err, "callmgr: decode frame")
	}
	return nil
}

// Handler serves one RPC method.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// Server accepts internal RPC connections and dispatches requests by
// method name.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewServer creates an empty RPC server.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]Handler),
		logger:   logging.Named("callmgr.server"),
	}
}

// Register installs the handler for method. Registering a method twice
// panics, matching the consensus registry's fail-fast convention.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[method]; exists {
		panic("callmgr: handler already registered for method " + method)
	}
	s.handlers[method] = h
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		var req Request
		if err := readFrame(reader, &req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return Response{ID: req.ID, Error: "unknown method " + req.Method}
	}
	body, err := h(context.Background(), req.Body)
	if err != nil {
		s.logger.Warn("rpc handler failed", zap.String("method", req.Method), zap.Error(err))
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Body: body}
}

// Client is one pooled connection to a peer's RPC port. Calls are
// serialized; the manager holds one client per target node.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a lazily-connecting client for addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) ensure() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return rerror.Wrap(rerror.Transport, err, "callmgr: dial %s", c.addr)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Call issues one request and waits for its response within ctx's
// deadline (default 30s when ctx carries none).
func (c *Client) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensure(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	c.conn.SetDeadline(deadline)

	req := Request{ID: uuid.NewString(), Method: method, Body: body}
	if err := writeFrame(c.conn, req); err != nil {
		c.reset()
		return nil, err
	}
	var resp Response
	if err := readFrame(c.reader, &resp); err != nil {
		c.reset()
		return nil, err
	}
	if resp.ID != req.ID {
		c.reset()
		return nil, rerror.New(rerror.Transport, "callmgr: response id mismatch")
	}
	if !resp.OK {
		return nil, rerror.New(rerror.Resource, "callmgr: remote error: %s", resp.Error)
	}
	return resp.Body, nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
