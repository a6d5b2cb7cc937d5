// Package observer tracks the per-flag change subscriptions a host has asked
// for.
package observer

import (
	"sync"

	"github.com/matt-riley/flagbridge/sdk"
)

// Registry maps watched flag keys to their subscriptions. There is at most
// one subscription per key. It is safe for concurrent use.
type Registry struct {
	onChange func(key string)

	mu   sync.Mutex
	subs map[string]sdk.Subscription
}

// NewRegistry returns a registry whose subscriptions call onChange with the
// key of every changed flag.
func NewRegistry(onChange func(key string)) *Registry {
	return &Registry{
		onChange: onChange,
		subs:     make(map[string]sdk.Subscription),
	}
}

// Start subscribes to changes of key. An existing subscription for key is
// cancelled before it is replaced.
func (r *Registry) Start(client sdk.Client, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.subs[key]; ok {
		previous.Cancel()
	}
	r.subs[key] = client.Observe(key, r.handle)
}

// Stop cancels the subscription for key. It is a no-op when key is not
// watched.
func (r *Registry) Stop(key string) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()

	if ok {
		sub.Cancel()
	}
}

// Clear cancels every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]sdk.Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Watching reports whether key has an active subscription.
func (r *Registry) Watching(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// Len returns the number of watched keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) handle(change sdk.ChangedFlag) {
	r.onChange(change.Key)
}
