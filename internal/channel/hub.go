package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/flagbridge/internal/metrics"
)

// DefaultQueueSize is the per-connection outbox capacity used when none is
// configured.
const DefaultQueueSize = 64

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records notification delivery.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithQueueSize sets the per-connection outbox capacity. Values below one
// are ignored.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// Hub tracks connected hosts and fans notifications out to them. It
// implements the bridge's notifier.
type Hub struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	queueSize int
	nextPeer  atomic.Uint64

	mu    sync.Mutex
	peers map[uint64]*peer
}

// NewHub returns a hub with no connected hosts.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		peers:     make(map[uint64]*peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "channel")
	return h
}

// Notify queues a notification for every connected host. It never blocks:
// a host whose outbox is full misses the notification.
func (h *Hub) Notify(method string, arguments any) {
	env := Envelope{Method: method, Arguments: arguments}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		delivered := p.offer(env)
		if !delivered {
			h.logger.Warn("notification dropped, host outbox full",
				"method", method,
				"peer", p.name,
				"queue_size", h.queueSize,
			)
		}
		if h.metrics != nil {
			h.metrics.RecordNotification(method, delivered)
		}
	}
}

// Peers returns the number of connected hosts.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Conn is one host connection as seen by the hub. Close must make a
// blocked Recv return.
type Conn interface {
	Recv() (Envelope, error)
	Send(Envelope) error
	Close() error
}

// Serve runs one host connection until the host disconnects, a write fails
// or ctx is done. Calls are answered in the order they arrive; replies and
// notifications share one ordered outbox drained by a dedicated writer.
// conn is closed when Serve returns.
func (h *Hub) Serve(ctx context.Context, name string, conn Conn, handler Handler) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	p := h.attach(name)
	defer h.detach(p)
	logger := h.logger.With("peer", p.name)
	logger.Debug("host connected")

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case env := <-p.outbox:
				if err := conn.Send(env); err != nil {
					cancel(fmt.Errorf("send: %w", err))
					return
				}
			case <-p.done:
				if p.flush.Load() {
					p.drain(conn)
				}
				return
			}
		}
	})
	defer func() {
		p.close()
		wg.Wait()
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return exitErr(ctx)
			}
			if errors.Is(err, io.EOF) {
				logger.Debug("host disconnected")
				p.flush.Store(true)
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if !env.IsCall() {
			logger.Debug("ignoring non-call envelope", "id", env.ID, "method", env.Method)
			continue
		}

		result, err := handler.Handle(ctx, env.Method, env.Arguments)
		if !p.push(ctx, replyFor(env.ID, result, err)) {
			return exitErr(ctx)
		}
	}
}

// exitErr reports why a connection's context ended. Cancellation by the
// server is a clean exit.
func exitErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

func (h *Hub) attach(name string) *peer {
	id := h.nextPeer.Add(1)
	p := &peer{
		id:     id,
		name:   fmt.Sprintf("%s#%d", name, id),
		outbox: make(chan Envelope, h.queueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.peers[id] = p
	h.mu.Unlock()
	return p
}

func (h *Hub) detach(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	h.mu.Unlock()
}

type peer struct {
	id        uint64
	name      string
	outbox    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	// flush is set when the host closed its sending side and is still
	// reading, so queued replies are worth writing out.
	flush atomic.Bool
}

// offer queues env unless the outbox is full.
func (p *peer) offer(env Envelope) bool {
	select {
	case p.outbox <- env:
		return true
	default:
		return false
	}
}

// push queues env, waiting for room until ctx is done.
func (p *peer) push(ctx context.Context, env Envelope) bool {
	select {
	case p.outbox <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain sends whatever is still queued.
func (p *peer) drain(conn Conn) {
	for {
		select {
		case env := <-p.outbox:
			if err := conn.Send(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}
