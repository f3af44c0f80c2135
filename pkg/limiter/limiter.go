// Package limiter provides per-connection admission control for event
// publishes. Buckets are connection-local: no cross-connection coordination
// is needed, so a rejected publisher never slows anyone else down.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a connection exhausts its token bucket.
// It is transient: the client should back off and retry.
var ErrRateLimited = errors.New("rate limited")

// Policy defines the publish budget. EventsPerSec is averaged over a
// one-minute window: the bucket holds EventsPerSec*60 tokens and refills
// continuously. Zero disables limiting entirely.
type Policy struct {
	EventsPerSec int
}

func (p Policy) burst() int {
	return p.EventsPerSec * 60
}

// Store abstracts the bucket storage so a single-node relay can keep state
// in memory while a multi-node deployment shares it through Redis.
type Store interface {
	// Allow atomically consumes cost tokens from the connection's bucket.
	// It reports false when the bucket is empty.
	Allow(ctx context.Context, connID string, policy Policy, cost int) (bool, error)
	// Forget releases the bucket state for a closed connection.
	Forget(connID string)
}

// Admit is the admission check run before validation. A zero-rate policy
// admits everything.
func Admit(ctx context.Context, store Store, connID string, policy Policy) error {
	if policy.EventsPerSec <= 0 {
		return nil
	}
	allowed, err := store.Allow(ctx, connID, policy, 1)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// MemoryStore keeps one token bucket per connection in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	policy Policy
	lim    *rate.Limiter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Allow(_ context.Context, connID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[connID]
	if !ok || b.policy != policy {
		// first use, or the operator retuned the limits: a policy change
		// applies to live connections immediately, with a fresh budget
		b = &bucket{
			policy: policy,
			lim:    rate.NewLimiter(rate.Limit(policy.EventsPerSec), policy.burst()),
		}
		s.buckets[connID] = b
	}
	s.mu.Unlock()
	return b.lim.AllowN(time.Now(), cost), nil
}

func (s *MemoryStore) Forget(connID string) {
	s.mu.Lock()
	delete(s.buckets, connID)
	s.mu.Unlock()
}
