// Package sdktest provides an in-memory [sdk.Client] for tests.
package sdktest

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"github.com/matt-riley/flagbridge/sdk"
)

// Client serves flag values from a map and records every call it receives.
// Variation calls return the stored value when its Go type matches the
// requested type, and the default otherwise.
type Client struct {
	mu sync.Mutex

	flags      map[string]any
	online     bool
	info       *sdk.ConnectionInformation
	trackErr   error
	identifyCh chan struct{}
	closed     bool

	calls     []string
	users     []sdk.User
	events    []TrackedEvent
	nextID    int
	keyed     map[int]keyedObserver
	all       map[int]func(map[string]sdk.ChangedFlag)
	unchanged map[int]func()
}

// TrackedEvent is a recorded Track call.
type TrackedEvent struct {
	Key         string
	Data        any
	MetricValue *float64
}

type keyedObserver struct {
	key     string
	handler func(sdk.ChangedFlag)
}

// New returns an online client serving flags.
func New(flags map[string]any) *Client {
	if flags == nil {
		flags = map[string]any{}
	}
	return &Client{
		flags:     flags,
		online:    true,
		keyed:     map[int]keyedObserver{},
		all:       map[int]func(map[string]sdk.ChangedFlag){},
		unchanged: map[int]func(){},
	}
}

// StartFunc returns an [sdk.StartFunc] that hands out c and completes
// immediately. Every start is recorded.
func (c *Client) StartFunc() sdk.StartFunc {
	return func(ctx context.Context, cfg sdk.Config, user sdk.User, done func()) (sdk.Client, error) {
		c.mu.Lock()
		c.calls = append(c.calls, "start")
		c.users = append(c.users, user)
		c.closed = false
		c.online = cfg.StartOnline
		c.mu.Unlock()
		go done()
		return c, nil
	}
}

// SetConnectionInformation sets the value returned by ConnectionInformation.
func (c *Client) SetConnectionInformation(info *sdk.ConnectionInformation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
}

// FailTrack makes every subsequent Track call return err.
func (c *Client) FailTrack(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackErr = err
}

// HoldIdentify makes Identify wait for the returned release function before
// calling done.
func (c *Client) HoldIdentify() (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.identifyCh = ch
	return sync.OnceFunc(func() { close(ch) })
}

// Calls returns the names of the operations invoked so far.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Users returns the users passed to start, Identify and Alias, in order.
func (c *Client) Users() []sdk.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.users)
}

// Events returns the recorded Track calls.
func (c *Client) Events() []TrackedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// Closed reports whether Close has been called since the last start.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Observers returns the number of active single-flag observers for key.
func (c *Client) Observers(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.keyed {
		if o.key == key {
			n++
		}
	}
	return n
}

// GlobalObservers returns the number of active all-flags and
// flags-unchanged observers.
func (c *Client) GlobalObservers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.all) + len(c.unchanged)
}

// Update stores new flag values and notifies observers the way a refresh
// would. An update that changes nothing fires the flags-unchanged observers.
func (c *Client) Update(values map[string]any) {
	c.mu.Lock()
	changed := map[string]sdk.ChangedFlag{}
	for key, value := range values {
		old, ok := c.flags[key]
		if ok && reflect.DeepEqual(old, value) {
			continue
		}
		c.flags[key] = value
		changed[key] = sdk.ChangedFlag{Key: key, OldValue: old, NewValue: value}
	}
	var keyed []func()
	for _, o := range c.keyed {
		if change, ok := changed[o.key]; ok {
			keyed = append(keyed, func() { o.handler(change) })
		}
	}
	var global []func()
	if len(changed) == 0 {
		for _, h := range c.unchanged {
			global = append(global, h)
		}
	} else {
		for _, h := range c.all {
			global = append(global, func() { h(changed) })
		}
	}
	c.mu.Unlock()

	for _, fire := range keyed {
		fire()
	}
	for _, fire := range global {
		fire()
	}
}

func (c *Client) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *Client) Identify(ctx context.Context, user sdk.User, done func()) {
	c.mu.Lock()
	c.calls = append(c.calls, "identify")
	c.users = append(c.users, user)
	hold := c.identifyCh
	c.mu.Unlock()

	go func() {
		if hold != nil {
			<-hold
		}
		done()
	}()
}

func (c *Client) Alias(user, previous sdk.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "alias")
	c.users = append(c.users, user, previous)
}

func (c *Client) Track(key string, data any, metricValue *float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "track")
	c.events = append(c.events, TrackedEvent{Key: key, Data: data, MetricValue: metricValue})
	return c.trackErr
}

func (c *Client) BoolVariation(key string, defaultValue bool) bool {
	return evaluate(c, "boolVariation", key, defaultValue).Value
}

func (c *Client) BoolVariationDetail(key string, defaultValue bool) sdk.EvaluationDetail[bool] {
	return evaluate(c, "boolVariationDetail", key, defaultValue)
}

func (c *Client) IntVariation(key string, defaultValue int) int {
	return evaluate(c, "intVariation", key, defaultValue).Value
}

func (c *Client) IntVariationDetail(key string, defaultValue int) sdk.EvaluationDetail[int] {
	return evaluate(c, "intVariationDetail", key, defaultValue)
}

func (c *Client) Float64Variation(key string, defaultValue float64) float64 {
	return evaluate(c, "float64Variation", key, defaultValue).Value
}

func (c *Client) Float64VariationDetail(key string, defaultValue float64) sdk.EvaluationDetail[float64] {
	return evaluate(c, "float64VariationDetail", key, defaultValue)
}

func (c *Client) StringVariation(key string, defaultValue string) string {
	return evaluate(c, "stringVariation", key, defaultValue).Value
}

func (c *Client) StringVariationDetail(key string, defaultValue string) sdk.EvaluationDetail[string] {
	return evaluate(c, "stringVariationDetail", key, defaultValue)
}

func (c *Client) ListVariation(key string, defaultValue []any) []any {
	return evaluate(c, "listVariation", key, defaultValue).Value
}

func (c *Client) ListVariationDetail(key string, defaultValue []any) sdk.EvaluationDetail[[]any] {
	return evaluate(c, "listVariationDetail", key, defaultValue)
}

func (c *Client) MapVariation(key string, defaultValue map[string]any) map[string]any {
	return evaluate(c, "mapVariation", key, defaultValue).Value
}

func (c *Client) MapVariationDetail(key string, defaultValue map[string]any) sdk.EvaluationDetail[map[string]any] {
	return evaluate(c, "mapVariationDetail", key, defaultValue)
}

func (c *Client) AllFlags() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "allFlags")
	out := make(map[string]any, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

func (c *Client) Flush() { c.record("flush") }

func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "setOnline")
	c.online = online
}

func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) ConnectionInformation() *sdk.ConnectionInformation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Client) Observe(key string, handler func(sdk.ChangedFlag)) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.keyed[id] = keyedObserver{key: key, handler: handler}
	return c.cancel(func() { delete(c.keyed, id) })
}

func (c *Client) ObserveAll(handler func(map[string]sdk.ChangedFlag)) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.all[id] = handler
	return c.cancel(func() { delete(c.all, id) })
}

func (c *Client) ObserveFlagsUnchanged(handler func()) sdk.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.unchanged[id] = handler
	return c.cancel(func() { delete(c.unchanged, id) })
}

func (c *Client) cancel(remove func()) sdk.Subscription {
	return sdk.SubscriptionFunc(sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		remove()
	}))
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "close")
	c.closed = true
	return nil
}

func evaluate[T any](c *Client, call, key string, defaultValue T) sdk.EvaluationDetail[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)

	raw, ok := c.flags[key]
	if !ok {
		return sdk.EvaluationDetail[T]{
			Value:  defaultValue,
			Reason: map[string]any{"kind": "ERROR", "errorKind": "FLAG_NOT_FOUND"},
		}
	}
	value, ok := raw.(T)
	if !ok {
		return sdk.EvaluationDetail[T]{
			Value:  defaultValue,
			Reason: map[string]any{"kind": "ERROR", "errorKind": "WRONG_TYPE"},
		}
	}
	index := 0
	return sdk.EvaluationDetail[T]{
		Value:          value,
		VariationIndex: &index,
		Reason:         map[string]any{"kind": "FALLTHROUGH"},
	}
}

