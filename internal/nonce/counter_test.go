package nonce

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mimics the durable layer: a per-credential monotonic value
// floored at the current unix milli timestamp
type memStore struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]uint64)}
}

func (s *memStore) ReserveNonce(_ context.Context, credential string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values[credential] + 1
	if floor := uint64(time.Now().UnixMilli()); next < floor {
		next = floor
	}
	s.values[credential] = next
	return next, nil
}

// brokenStore returns the same value forever
type brokenStore struct{}

func (brokenStore) ReserveNonce(context.Context, string) (uint64, error) {
	return 42, nil
}

func TestCounter_StrictlyIncreasing(t *testing.T) {
	c := NewCounter(newMemStore(), "kraken:master")
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 100; i++ {
		n, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestCounter_ConcurrentCallersNeverCollide(t *testing.T) {
	c := NewCounter(newMemStore(), "kraken:master")
	ctx := context.Background()

	const callers = 16
	const perCaller = 50

	results := make(chan uint64, callers*perCaller)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < perCaller; j++ {
				if rng.Intn(3) == 0 {
					time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				}
				n, err := c.Next(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				results <- n
			}
		}(int64(i))
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	var all []uint64
	for n := range results {
		require.False(t, seen[n], "nonce %d issued twice", n)
		seen[n] = true
		all = append(all, n)
	}
	require.Len(t, all, callers*perCaller)

	// The issued set, sorted, must have no gaps downward in ordering
	// semantics: every value is unique and the max grew past the min by at
	// least the number of reservations.
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	assert.GreaterOrEqual(t, all[len(all)-1]-all[0], uint64(len(all)-1))
}

func TestCounter_RejectsBackwardStore(t *testing.T) {
	c := NewCounter(brokenStore{}, "kraken:master")
	ctx := context.Background()

	_, err := c.Next(ctx)
	require.NoError(t, err)

	_, err = c.Next(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce went backwards")
}

func TestRegistry_OneCounterPerCredential(t *testing.T) {
	r := NewRegistry(newMemStore())

	a := r.For("kraken:master")
	b := r.For("kraken:master")
	other := r.For("kraken:follower-1")

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}

func TestRegistry_CredentialsAreIndependent(t *testing.T) {
	r := NewRegistry(newMemStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.For("kraken:master").Next(ctx)
		require.NoError(t, err)
	}

	// A fresh credential starts from the store floor, unaffected by the
	// other counter's reservations
	n, err := r.For(fmt.Sprintf("kraken:%s", "follower-1")).Next(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, uint64(0))
}
