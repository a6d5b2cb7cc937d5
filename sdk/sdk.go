// Package sdk defines the strongly-typed feature flag client that flagbridge
// drives, together with the descriptors used to configure it.
//
// The bridge never evaluates flags itself. It reconstructs a [Config] and a
// [User] from untyped host payloads, hands them to a [StartFunc], and from
// then on talks to the resulting [Client] only through this interface:
//
//	client, err := start(ctx, sdk.NewConfig("mob-key"), sdk.NewUser("user-1"), func() {
//		// first flag fetch for user-1 completed
//	})
package sdk

import "context"

// Client is the feature flag client the bridge drives. Implementations must
// be safe for concurrent use; change handlers are invoked on the client's own
// goroutines.
type Client interface {
	// Identify switches the current user. done is called once flags for the
	// new user are available (or fetching them has failed).
	Identify(ctx context.Context, user User, done func())
	// Alias associates two users with each other.
	Alias(user, previous User)
	// Track records a custom event. data may be nil; metricValue is optional.
	Track(key string, data any, metricValue *float64) error

	BoolVariation(key string, defaultValue bool) bool
	BoolVariationDetail(key string, defaultValue bool) EvaluationDetail[bool]
	IntVariation(key string, defaultValue int) int
	IntVariationDetail(key string, defaultValue int) EvaluationDetail[int]
	Float64Variation(key string, defaultValue float64) float64
	Float64VariationDetail(key string, defaultValue float64) EvaluationDetail[float64]
	StringVariation(key string, defaultValue string) string
	StringVariationDetail(key string, defaultValue string) EvaluationDetail[string]
	ListVariation(key string, defaultValue []any) []any
	ListVariationDetail(key string, defaultValue []any) EvaluationDetail[[]any]
	MapVariation(key string, defaultValue map[string]any) map[string]any
	MapVariationDetail(key string, defaultValue map[string]any) EvaluationDetail[map[string]any]

	// AllFlags returns the current value of every flag for the current user.
	AllFlags() map[string]any
	// Flush sends buffered analytics events.
	Flush()
	SetOnline(online bool)
	IsOnline() bool
	// ConnectionInformation returns nil if the client has no connection state.
	ConnectionInformation() *ConnectionInformation

	// Observe registers handler for changes of a single flag.
	Observe(key string, handler func(ChangedFlag)) Subscription
	// ObserveAll registers handler for every refresh that changed at least one flag.
	ObserveAll(handler func(map[string]ChangedFlag)) Subscription
	// ObserveFlagsUnchanged registers handler for refreshes that changed nothing.
	ObserveFlagsUnchanged(handler func()) Subscription

	Close() error
}

// StartFunc constructs and starts a client for user. done is called once the
// initial flag fetch has completed.
type StartFunc func(ctx context.Context, cfg Config, user User, done func()) (Client, error)

// Subscription is the cancellation handle returned by the observe operations.
// Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to [Subscription].
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

// ChangedFlag describes a single flag whose value changed during a refresh.
type ChangedFlag struct {
	Key      string
	OldValue any // nil when the flag is new
	NewValue any // nil when the flag was deleted
}

// EvaluationDetail is a variation result enriched with the index of the
// selected variation and the reason it was selected.
type EvaluationDetail[T any] struct {
	Value          T
	VariationIndex *int           // nil if the default value was served
	Reason         map[string]any // opaque, produced by the client
}
