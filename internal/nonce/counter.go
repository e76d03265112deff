// Package nonce issues strictly increasing request nonces, one counter per
// (venue, credential) pair, durably persisted so a restart never replays a
// value the venue has already seen.
package nonce

import (
	"context"
	"fmt"
	"sync"
)

// Store persists reserved nonce values. Reserve must not return until the
// value is durable.
type Store interface {
	ReserveNonce(ctx context.Context, credential string) (uint64, error)
}

// Counter hands out nonces for one credential. The mutex scope is exactly
// "reserve and persist the next value"; it is never held across a network
// call.
type Counter struct {
	mu         sync.Mutex
	store      Store
	credential string
	last       uint64
}

// NewCounter creates a counter for a credential key
func NewCounter(store Store, credential string) *Counter {
	return &Counter{store: store, credential: credential}
}

// Next reserves and returns the next nonce. Values are strictly increasing
// with no repeats, even under concurrent callers.
func (c *Counter) Next(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.ReserveNonce(ctx, c.credential)
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", c.credential, err)
	}
	if n <= c.last {
		// The store must move forward; a stale read here means the durable
		// layer is broken and continuing would risk venue-side replays.
		return 0, fmt.Errorf("nonce went backwards for %s: %d <= %d", c.credential, n, c.last)
	}
	c.last = n
	return n, nil
}

// Registry holds one counter per credential key
type Registry struct {
	mu       sync.Mutex
	store    Store
	counters map[string]*Counter
}

// NewRegistry creates an empty registry backed by store
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:    store,
		counters: make(map[string]*Counter),
	}
}

// For returns the counter for a credential key, creating it on first use
func (r *Registry) For(credential string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[credential]
	if !ok {
		c = NewCounter(r.store, credential)
		r.counters[credential] = c
	}
	return c
}
