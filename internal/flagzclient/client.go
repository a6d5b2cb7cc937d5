// Package flagzclient implements [sdk.Client] against a flagz server.
//
// Flags are boolean. A refresh lists the flag keys visible to the mobile key
// and evaluates all of them in one batch for the current user. In streaming
// mode the client holds the flagz SSE stream open and refreshes after each
// burst of change events; in polling mode it refreshes on a fixed interval.
package flagzclient

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagbridge/sdk"
)

const (
	defaultCoalesceWindow = 250 * time.Millisecond
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = time.Minute
)

var errClosed = errors.New("flagz client is closed")

var _ sdk.Client = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request. The default
// client carries an OpenTelemetry transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoalesceWindow sets how long the client collects stream events before
// refreshing.
func WithCoalesceWindow(d time.Duration) Option {
	return func(c *Client) { c.coalesce = d }
}

// WithReconnectDelay sets the first delay before reconnecting a dropped
// stream. Later attempts back off exponentially.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// Client is a flagz-backed [sdk.Client].
type Client struct {
	cfg            sdk.Config
	api            *api
	httpClient     *http.Client
	logger         *slog.Logger
	coalesce       time.Duration
	reconnectDelay time.Duration
	baseCtx        context.Context

	// refreshMu serializes refreshes so results apply in request order.
	refreshMu sync.Mutex

	mu          sync.Mutex
	user        sdk.User
	flags       map[string]bool
	fetched     bool
	online      bool
	closed      bool
	info        sdk.ConnectionInformation
	lastEventID int64
	cancelRun   context.CancelFunc
	runDone     chan struct{}

	nextSub   int
	keyed     map[int]keyedObserver
	all       map[int]func(map[string]sdk.ChangedFlag)
	unchanged map[int]func()
}

type keyedObserver struct {
	key     string
	handler func(sdk.ChangedFlag)
}

// StartFunc returns an [sdk.StartFunc] that starts flagz clients with opts.
func StartFunc(opts ...Option) sdk.StartFunc {
	return func(ctx context.Context, cfg sdk.Config, user sdk.User, done func()) (sdk.Client, error) {
		client, err := Start(ctx, cfg, user, done, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Start creates a client for user. When cfg.StartOnline is set the client
// connects in the background and calls done after its first refresh, whether
// or not it succeeded. Otherwise done is called before Start returns.
func Start(ctx context.Context, cfg sdk.Config, user sdk.User, done func(), opts ...Option) (*Client, error) {
	if cfg.MobileKey == "" {
		return nil, errors.New("mobile key is required")
	}
	if cfg.BaseURL == nil {
		return nil, errors.New("base URL is required")
	}
	streamURL := cfg.StreamURL
	if streamURL == nil {
		streamURL = cfg.BaseURL
	}

	c := &Client{
		cfg:            cfg,
		logger:         slog.Default(),
		coalesce:       defaultCoalesceWindow,
		reconnectDelay: defaultReconnectDelay,
		baseCtx:        context.WithoutCancel(ctx),
		user:           user,
		flags:          map[string]bool{},
		keyed:          map[int]keyedObserver{},
		all:            map[int]func(map[string]sdk.ChangedFlag){},
		unchanged:      map[int]func(){},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	c.logger = c.logger.With("component", "flagzclient")
	c.api = newAPI(cfg.BaseURL, streamURL, cfg.MobileKey, c.httpClient)

	if done == nil {
		done = func() {}
	}
	if !cfg.StartOnline {
		done()
		return c, nil
	}
	c.mu.Lock()
	c.goOnlineLocked(done)
	c.mu.Unlock()
	return c, nil
}

func (c *Client) goOnlineLocked(done func()) {
	if c.cancelRun != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	finished := make(chan struct{})
	c.online = true
	c.cancelRun, c.runDone = cancel, finished
	go func() {
		defer close(finished)
		c.run(ctx, done)
	}()
}

func (c *Client) goOffline() {
	c.mu.Lock()
	cancel, finished := c.cancelRun, c.runDone
	c.cancelRun, c.runDone = nil, nil
	c.online = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-finished
	}
	c.setMode(sdk.ConnectionOffline)
}

func (c *Client) run(ctx context.Context, done func()) {
	if c.cfg.StreamingMode == sdk.Polling {
		c.setMode(sdk.ConnectionPolling)
	} else {
		c.setMode(sdk.ConnectionEstablishingStreaming)
	}
	_ = c.refresh(ctx)
	done()

	if c.cfg.StreamingMode == sdk.Polling {
		c.poll(ctx)
		return
	}
	c.stream(ctx)
}

func (c *Client) poll(ctx context.Context) {
	interval := c.cfg.FlagPollingInterval
	if interval <= 0 {
		interval = sdk.DefaultFlagPollingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.refresh(ctx)
		}
	}
}

func (c *Client) stream(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectDelay
	bo.MaxInterval = maxReconnectDelay

	for reconnect := false; ctx.Err() == nil; reconnect = true {
		c.setMode(sdk.ConnectionEstablishingStreaming)
		c.mu.Lock()
		lastEventID := c.lastEventID
		c.mu.Unlock()

		events, err := c.api.stream(ctx, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordFailure(err)
		} else {
			c.setMode(sdk.ConnectionStreaming)
			bo.Reset()
			if reconnect {
				_ = c.refresh(ctx)
			}
			c.consume(ctx, events)
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("flag stream disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// consume refreshes once per burst of events. A burst is every event that
// arrives within the coalesce window of its first event.
func (c *Client) consume(ctx context.Context, events <-chan streamEvent) {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if pending != nil {
					_ = c.refresh(ctx)
				}
				return
			}
			c.mu.Lock()
			if ev.ID > c.lastEventID {
				c.lastEventID = ev.ID
			}
			c.mu.Unlock()
			if pending == nil {
				pending = time.After(c.coalesce)
			}
		case <-pending:
			pending = nil
			_ = c.refresh(ctx)
		}
	}
}

// refresh fetches every flag for the current user and notifies observers.
func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	attributes := c.user.Attributes()
	c.mu.Unlock()

	fetchCtx := ctx
	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}
	values, err := c.api.fetch(fetchCtx, attributes)
	if err != nil {
		if ctx.Err() == nil {
			c.recordFailure(err)
		}
		return err
	}
	c.apply(values)
	return nil
}

func (c *Client) apply(values map[string]bool) {
	now := time.Now()

	c.mu.Lock()
	changed := map[string]sdk.ChangedFlag{}
	for key, value := range values {
		old, ok := c.flags[key]
		if ok && old == value {
			continue
		}
		change := sdk.ChangedFlag{Key: key, NewValue: value}
		if ok {
			change.OldValue = old
		}
		changed[key] = change
	}
	for key, old := range c.flags {
		if _, ok := values[key]; !ok {
			changed[key] = sdk.ChangedFlag{Key: key, OldValue: old}
		}
	}
	c.flags = values
	c.fetched = true
	c.info.LastKnownFlagValidity = &now

	var fire []func()
	for _, o := range c.keyed {
		if change, ok := changed[o.key]; ok {
			fire = append(fire, func() { o.handler(change) })
		}
	}
	if len(changed) == 0 {
		for _, h := range c.unchanged {
			fire = append(fire, h)
		}
	} else {
		for _, h := range c.all {
			fire = append(fire, func() { h(maps.Clone(changed)) })
		}
	}
	c.mu.Unlock()

	c.logger.Debug("flags refreshed", "flags", len(values), "changed", len(changed))
	for _, f := range fire {
		f()
	}
}

func (c *Client) recordFailure(err error) {
	now := time.Now()
	reason := failureReason(err)
	c.mu.Lock()
	c.info.LastConnectionFailureReason = reason
	c.info.LastFailedConnection = &now
	c.mu.Unlock()
	c.logger.Warn("flag refresh failed", "reason", reason.Description(), "error", err)
}

func failureReason(err error) sdk.FailureReason {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return sdk.FailureReason{Kind: sdk.FailureUnauthorized}
		}
		return sdk.FailureReason{Kind: sdk.FailureHTTPError, StatusCode: apiErr.StatusCode}
	}
	return sdk.FailureReason{Kind: sdk.FailureUnknownError, Message: err.Error()}
}

func (c *Client) setMode(mode sdk.ConnectionMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.CurrentConnectionMode = mode
}

// Identify switches the user and calls done once flags for the new user
// have been fetched, or immediately while offline.
func (c *Client) Identify(ctx context.Context, user sdk.User, done func()) {
	c.mu.Lock()
	c.user = user
	online := c.online
	c.mu.Unlock()

	if done == nil {
		done = func() {}
	}
	if !online {
		done()
		return
	}
	go func() {
		defer done()
		if err := c.refresh(ctx); err != nil {
			c.logger.DebugContext(ctx, "identify refresh failed", "user", user.Key, "error", err)
		}
	}()
}

func (c *Client) Alias(user, previous sdk.User) {
	c.logger.Debug("alias not supported by flagz", "user", user.Key, "previous_user", previous.Key)
}

func (c *Client) Track(key string, _ any, metricValue *float64) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}
	c.logger.Debug("event tracked", "event", key, "has_metric", metricValue != nil)
	return nil
}

func (c *Client) BoolVariation(key string, defaultValue bool) bool {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) BoolVariationDetail(key string, defaultValue bool) sdk.EvaluationDetail[bool] {
	return evaluate(c, key, defaultValue)
}

func (c *Client) IntVariation(key string, defaultValue int) int {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) IntVariationDetail(key string, defaultValue int) sdk.EvaluationDetail[int] {
	return evaluate(c, key, defaultValue)
}

func (c *Client) Float64Variation(key string, defaultValue float64) float64 {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) Float64VariationDetail(key string, defaultValue float64) sdk.EvaluationDetail[float64] {
	return evaluate(c, key, defaultValue)
}

func (c *Client) StringVariation(key string, defaultValue string) string {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) StringVariationDetail(key string, defaultValue string) sdk.EvaluationDetail[string] {
	return evaluate(c, key, defaultValue)
}

func (c *Client) ListVariation(key string, defaultValue []any) []any {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) ListVariationDetail(key string, defaultValue []any) sdk.EvaluationDetail[[]any] {
	return evaluate(c, key, defaultValue)
}

func (c *Client) MapVariation(key string, defaultValue map[string]any) map[string]any {
	return evaluate(c, key, defaultValue).Value
}

func (c *Client) MapVariationDetail(key string, defaultValue map[string]any) sdk.EvaluationDetail[map[string]any] {
	return evaluate(c, key, defaultValue)
}

// evaluate serves a cached flag value. flagz flags are boolean, so every
// other type is a WRONG_TYPE error. true is variation 0 and false is 1.
func evaluate[T any](c *Client, key string, defaultValue T) sdk.EvaluationDetail[T] {
	c.mu.Lock()
	value, found := c.flags[key]
	fetched := c.fetched
	c.mu.Unlock()

	switch {
	case !fetched:
		return sdk.EvaluationDetail[T]{Value: defaultValue, Reason: errorReason("CLIENT_NOT_READY")}
	case !found:
		return sdk.EvaluationDetail[T]{Value: defaultValue, Reason: errorReason("FLAG_NOT_FOUND")}
	}
	typed, ok := any(value).(T)
	if !ok {
		return sdk.EvaluationDetail[T]{Value: defaultValue, Reason: errorReason("WRONG_TYPE")}
	}
	index := 1
	if value {
		index = 0
	}
	return sdk.EvaluationDetail[T]{
		Value:          typed,
		VariationIndex: &index,
		Reason:         map[string]any{"kind": "FALLTHROUGH"},
	}
}

func errorReason(kind string) map[string]any {
	return map[string]any{"kind": "ERROR", "errorKind": kind}
}

func (c *Client) AllFlags() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.flags))
	for key, value := range c.flags {
		out[key] = value
	}
	return out
}

func (c *Client) Flush() {
	c.logger.Debug("flush requested, no events buffered")
}

// SetOnline connects or disconnects the client. It has no effect once the
// client is closed.
func (c *Client) SetOnline(online bool) {
	if !online {
		c.goOffline()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.goOnlineLocked(func() {})
}

func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) ConnectionInformation() *sdk.ConnectionInformation {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	return &info
}

func (c *Client) Observe(key string, handler func(sdk.ChangedFlag)) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subscribeLocked()
	c.keyed[id] = keyedObserver{key: key, handler: handler}
	return c.subscription(func() { delete(c.keyed, id) })
}

func (c *Client) ObserveAll(handler func(map[string]sdk.ChangedFlag)) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subscribeLocked()
	c.all[id] = handler
	return c.subscription(func() { delete(c.all, id) })
}

func (c *Client) ObserveFlagsUnchanged(handler func()) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subscribeLocked()
	c.unchanged[id] = handler
	return c.subscription(func() { delete(c.unchanged, id) })
}

func (c *Client) subscribeLocked() int {
	id := c.nextSub
	c.nextSub++
	return id
}

func (c *Client) subscription(remove func()) sdk.Subscription {
	return sdk.SubscriptionFunc(sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		remove()
	}))
}

// Close disconnects the client and drops every observer. Calling Close more
// than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.goOffline()

	c.mu.Lock()
	clear(c.keyed)
	clear(c.all)
	clear(c.unchanged)
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}
