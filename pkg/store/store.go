// Package store defines the durable event repository consumed by the relay
// core and its SQLite implementation. The core depends only on the
// EventStore interface; the physical layout belongs to the implementation.
package store

import (
	"context"

	"github.com/relaystone/nostrd/pkg/event"
)

// InsertOutcome distinguishes a first-time insert from an idempotent
// re-submission. Duplicate is a success, not an error: publishing the same
// event twice is a no-op.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	Duplicate
)

func (o InsertOutcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "inserted"
}

// EventStore is the durable, queryable repository of accepted events.
//
// Insert must be atomic per identifier: concurrent inserts of the same id
// yield exactly one Inserted and the rest Duplicate. Query results are
// ordered by descending creation time and bounded by each filter's limit.
// Delete tombstones an event only when the requesting author matches the
// original author; a tombstoned event's content is never served again.
type EventStore interface {
	Insert(ctx context.Context, ev *event.Event) (InsertOutcome, error)
	Exists(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, filters []event.Filter) ([]*event.Event, error)
	Delete(ctx context.Context, id, author string) (bool, error)
	Close() error
}
