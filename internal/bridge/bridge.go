// Package bridge dispatches host calls to a feature flag client.
//
// A [Bridge] owns at most one [sdk.Client]. It starts Uninitialized; the
// start call constructs the client and moves it to Started, and close
// releases the client and returns it to Uninitialized. Every other method
// requires a started client and fails with [ErrNoClient] otherwise.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/flagbridge/internal/metrics"
	"github.com/matt-riley/flagbridge/internal/observer"
	"github.com/matt-riley/flagbridge/internal/tracing"
	"github.com/matt-riley/flagbridge/sdk"
)

// Notification method names.
const (
	NotifyCompleteStart       = "completeStart"
	NotifyHandleFlagsReceived = "handleFlagsReceived"
	NotifyHandleFlagUpdate    = "handleFlagUpdate"
)

// Notifier delivers unsolicited messages to the host. Notify must not block
// on a slow host.
type Notifier interface {
	Notify(method string, arguments any)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(method string, arguments any)

func (f NotifierFunc) Notify(method string, arguments any) { f(method, arguments) }

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithIdentifyTimeout bounds how long identify waits for the client. Zero
// waits until the call context is done.
func WithIdentifyTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.identifyTimeout = d }
}

// Bridge routes host calls to the client it owns.
type Bridge struct {
	start           sdk.StartFunc
	notifier        Notifier
	logger          *slog.Logger
	metrics         *metrics.Metrics
	identifyTimeout time.Duration
	methods         map[string]method
	registry        *observer.Registry

	mu      sync.Mutex
	client  sdk.Client
	globals []sdk.Subscription
}

// New returns an uninitialized bridge that constructs its client with start
// and sends notifications through notifier.
func New(start sdk.StartFunc, notifier Notifier, opts ...Option) *Bridge {
	b := &Bridge{
		start:    start,
		notifier: notifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	b.registry = observer.NewRegistry(func(key string) {
		b.notify(NotifyHandleFlagUpdate, key)
	})
	b.methods = b.methodTable()
	return b
}

// Handle dispatches one call. args is the untyped argument payload: a
// string-keyed map for most methods and a bare string for the flag
// listening methods.
func (b *Bridge) Handle(ctx context.Context, name string, args any) (result any, err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "bridge."+name, attribute.String("bridge.method", name))
	defer func() {
		tracing.EndSpan(span, err)
		if b.metrics != nil {
			b.metrics.ObserveCall(name, outcome(err), time.Since(started))
		}
		if err != nil {
			b.logger.DebugContext(ctx, "call failed", "method", name, "error", err)
		}
	}()

	m, ok := b.methods[name]
	if !ok {
		return nil, ErrNotImplemented
	}
	if !m.needsClient {
		result, err = m.run(ctx, nil, args)
	} else {
		client := b.current()
		if client == nil {
			return nil, ErrNoClient
		}
		result, err = m.run(ctx, client, args)
	}
	if err != nil {
		return nil, asWireError(name, err)
	}
	return result, nil
}

// Started reports whether the bridge currently owns a client.
func (b *Bridge) Started() bool {
	return b.current() != nil
}

// Shutdown closes the client if one is started. It is equivalent to the
// close call.
func (b *Bridge) Shutdown() error {
	return b.closeClient()
}

func (b *Bridge) current() sdk.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Bridge) notify(method string, arguments any) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(method, arguments)
}

// startClient starts a client, or switches the user of the existing one.
// Either way completeStart is emitted once the client reports completion.
func (b *Bridge) startClient(ctx context.Context, cfg sdk.Config, user sdk.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	complete := sync.OnceFunc(func() { b.notify(NotifyCompleteStart, nil) })
	// The reply is sent before completion, so completion must outlive the call.
	ctx = context.WithoutCancel(ctx)

	if b.client != nil {
		b.logger.Debug("client already started, switching user")
		b.client.Identify(ctx, user, complete)
		return nil
	}

	client, err := b.start(ctx, cfg, user, complete)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("start returned no client")
	}

	b.client = client
	b.globals = []sdk.Subscription{
		client.ObserveFlagsUnchanged(func() {
			b.notify(NotifyHandleFlagsReceived, []string{})
		}),
		client.ObserveAll(func(changes map[string]sdk.ChangedFlag) {
			keys := make([]string, 0, len(changes))
			for key := range changes {
				keys = append(keys, key)
			}
			slices.Sort(keys)
			b.notify(NotifyHandleFlagsReceived, keys)
		}),
	}
	if b.metrics != nil {
		b.metrics.SetClientStarted(true)
	}
	b.logger.Info("client started", "streaming_mode", cfg.StreamingMode.String(), "start_online", cfg.StartOnline)
	return nil
}

func (b *Bridge) closeClient() error {
	b.mu.Lock()
	client, globals := b.client, b.globals
	b.client, b.globals = nil, nil
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	for _, sub := range globals {
		sub.Cancel()
	}
	b.registry.Clear()
	b.updateListenerGauge()
	if b.metrics != nil {
		b.metrics.SetClientStarted(false)
	}

	if err := client.Close(); err != nil {
		b.logger.Warn("client close failed", "error", err)
		return err
	}
	b.logger.Info("client closed")
	return nil
}

func (b *Bridge) updateListenerGauge() {
	if b.metrics != nil {
		b.metrics.SetActiveListeners(b.registry.Len())
	}
}
