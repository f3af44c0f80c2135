package store

import (
	"context"
	"sort"
	"sync"

	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/extension"
)

type memoryRow struct {
	ev      *event.Event
	hidden  bool
	deleted bool
}

// Memory is a map-backed EventStore with the same semantics as the SQLite
// store. It backs tests and throwaway relays.
type Memory struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
	gate ExtensionGate
}

func NewMemory(gate ExtensionGate) *Memory {
	return &Memory{rows: make(map[string]*memoryRow), gate: gate}
}

func (m *Memory) Insert(_ context.Context, ev *event.Event) (InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[ev.ID]; ok {
		return Duplicate, nil
	}
	m.rows[ev.ID] = &memoryRow{ev: ev}

	if m.gate != nil && m.gate.IsEnabled(extension.ReplaceableEvents) &&
		(ev.Kind == event.KindMetadata || ev.Kind == event.KindContactList) {
		for _, row := range m.rows {
			if row.ev.ID != ev.ID && row.ev.Kind == ev.Kind &&
				row.ev.PubKey == ev.PubKey && row.ev.CreatedAt <= ev.CreatedAt {
				row.hidden = true
			}
		}
	}
	return Inserted, nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok, nil
}

func (m *Memory) Query(_ context.Context, filters []event.Filter) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []*event.Event
	for i := range filters {
		f := &filters[i]
		var matched []*event.Event
		for _, row := range m.rows {
			if row.hidden || row.deleted {
				continue
			}
			if f.Matches(row.ev) {
				matched = append(matched, row.ev)
			}
		}
		sort.Slice(matched, func(a, b int) bool {
			return matched[a].CreatedAt > matched[b].CreatedAt
		})
		limit := f.Limit
		if limit <= 0 || limit > defaultQueryLimit {
			limit = defaultQueryLimit
		}
		if len(matched) > limit {
			matched = matched[:limit]
		}
		for _, ev := range matched {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt > out[b].CreatedAt
	})
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id, author string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.deleted || row.ev.PubKey != author {
		return false, nil
	}
	row.deleted = true
	row.hidden = true
	row.ev = &event.Event{ID: id, PubKey: author} // purge content
	return true, nil
}

func (m *Memory) Close() error { return nil }
