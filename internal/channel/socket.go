package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/matt-riley/flagbridge/internal/metrics"
)

// writeTimeout bounds a single envelope write to a host.
const writeTimeout = 10 * time.Second

// SocketOption configures a [SocketServer].
type SocketOption func(*SocketServer)

// WithSocketLogger sets the server logger.
func WithSocketLogger(logger *slog.Logger) SocketOption {
	return func(s *SocketServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSocketMetrics tracks connected hosts.
func WithSocketMetrics(m *metrics.Metrics) SocketOption {
	return func(s *SocketServer) { s.metrics = m }
}

// SocketServer serves persistent host connections on a Unix socket. Each
// connection carries a stream of CBOR-encoded envelopes in both directions.
type SocketServer struct {
	socketPath string
	hub        *Hub
	handler    Handler
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// active tracks open connections; Serve waits for them on shutdown.
	active sync.WaitGroup
}

// NewSocketServer returns a server that will listen on socketPath and
// dispatch calls to handler.
func NewSocketServer(socketPath string, hub *Hub, handler Handler, opts ...SocketOption) *SocketServer {
	s := &SocketServer{
		socketPath: socketPath,
		hub:        hub,
		handler:    handler,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on the socket path and serves connections until ctx is
// done. A stale socket file is removed first, and the socket file is
// removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves connections accepted from listener until ctx is
// done, then waits for open connections to finish. listener is closed on
// return.
func (s *SocketServer) ServeListener(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("socket channel listening", "path", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	if s.metrics != nil {
		defer s.metrics.HostConnected("socket")()
	}
	if err := s.hub.Serve(ctx, "socket", newSocketConn(conn), s.handler); err != nil {
		s.logger.Error("socket connection failed", "error", err)
	}
}

type socketConn struct {
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

func newSocketConn(conn net.Conn) *socketConn {
	return &socketConn{conn: conn, enc: newEncoder(conn), dec: newDecoder(conn)}
}

func (c *socketConn) Recv() (Envelope, error) {
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *socketConn) Send(env Envelope) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.enc.Encode(env)
}

func (c *socketConn) Close() error {
	return c.conn.Close()
}
