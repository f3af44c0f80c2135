package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaystone/nostrd/pkg/event"
)

// SeenCache fronts an EventStore with an LRU of recently committed ids so a
// flood of re-submitted events resolves to Duplicate without touching the
// database. Correctness does not depend on the cache: the store's own
// per-identifier atomicity is still the source of truth.
type SeenCache struct {
	EventStore
	seen *lru.Cache[string, struct{}]
}

func NewSeenCache(inner EventStore, size int) (*SeenCache, error) {
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &SeenCache{EventStore: inner, seen: seen}, nil
}

func (c *SeenCache) Insert(ctx context.Context, ev *event.Event) (InsertOutcome, error) {
	if c.seen.Contains(ev.ID) {
		return Duplicate, nil
	}
	outcome, err := c.EventStore.Insert(ctx, ev)
	if err == nil {
		c.seen.Add(ev.ID, struct{}{})
	}
	return outcome, err
}

func (c *SeenCache) Exists(ctx context.Context, id string) (bool, error) {
	if c.seen.Contains(id) {
		return true, nil
	}
	return c.EventStore.Exists(ctx, id)
}
