// Package subscription tracks each connection's named filters and answers
// the question "which subscriptions does this event match". Mutation and
// matching share one reader-writer lock, so a scan always sees a
// subscription either fully before or fully after a change, never half
// applied.
package subscription

import (
	"errors"
	"sync"

	"github.com/relaystone/nostrd/pkg/event"
)

// Per-connection caps on subscription churn.
const (
	DefaultMaxPerConn = 32
	MaxNameLength     = 256
)

var (
	ErrTooManySubscriptions = errors.New("too many subscriptions for connection")
	ErrNameTooLong          = errors.New("subscription name too long")
)

// ID names one subscription: connection plus client-chosen name.
type ID struct {
	ConnID string
	Name   string
}

type subscription struct {
	id      ID
	filters []event.Filter
}

// indexable reports how a filter can be bucketed for candidate lookup.
// Filters constraining neither kind nor author fall back to the linear set.
func (s *subscription) buckets() (kinds []int, authors []string, linear bool) {
	for i := range s.filters {
		f := &s.filters[i]
		switch {
		case len(f.Kinds) > 0:
			kinds = append(kinds, f.Kinds...)
		case len(f.Authors) > 0:
			authors = append(authors, f.Authors...)
		default:
			linear = true
		}
	}
	return
}

// Registry is the shared subscription table.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]map[string]*subscription
	byKind     map[int]map[*subscription]struct{}
	byAuthor   map[string]map[*subscription]struct{}
	linear     map[*subscription]struct{}
	maxPerConn int
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]map[string]*subscription),
		byKind:     make(map[int]map[*subscription]struct{}),
		byAuthor:   make(map[string]map[*subscription]struct{}),
		linear:     make(map[*subscription]struct{}),
		maxPerConn: DefaultMaxPerConn,
	}
}

// SetMaxPerConn overrides the per-connection subscription cap.
func (r *Registry) SetMaxPerConn(n int) {
	r.mu.Lock()
	r.maxPerConn = n
	r.mu.Unlock()
}

// Register installs filters under (connID, name), atomically replacing any
// previous subscription of that name: there is no window where both the old
// and the new filters match.
func (r *Registry) Register(connID, name string, filters []event.Filter) (ID, error) {
	if len(name) > MaxNameLength {
		return ID{}, ErrNameTooLong
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byConn[connID]
	if !ok {
		conns = make(map[string]*subscription)
		r.byConn[connID] = conns
	}
	if prev, ok := conns[name]; ok {
		r.unindexLocked(prev)
	} else if len(conns) >= r.maxPerConn {
		return ID{}, ErrTooManySubscriptions
	}

	sub := &subscription{id: ID{ConnID: connID, Name: name}, filters: filters}
	conns[name] = sub
	r.indexLocked(sub)
	return sub.id, nil
}

// Cancel removes one subscription. Unknown names are ignored.
func (r *Registry) Cancel(connID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byConn[connID]
	if !ok {
		return
	}
	if sub, ok := conns[name]; ok {
		r.unindexLocked(sub)
		delete(conns, name)
	}
	if len(conns) == 0 {
		delete(r.byConn, connID)
	}
}

// DropConnection removes every subscription of a closed connection.
// Idempotent; must run exactly on connection close to avoid leaks.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.byConn[connID] {
		r.unindexLocked(sub)
	}
	delete(r.byConn, connID)
}

// Count returns the number of active subscriptions for a connection.
func (r *Registry) Count(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[connID])
}

// FindMatching returns every subscription whose filter set matches the
// event, across all connections. Candidate sets come from the kind and
// author indexes; filters constraining neither are scanned linearly.
func (r *Registry) FindMatching(ev *event.Event) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make(map[*subscription]struct{})
	for sub := range r.byKind[ev.Kind] {
		candidates[sub] = struct{}{}
	}
	for sub := range r.byAuthor[ev.PubKey] {
		candidates[sub] = struct{}{}
	}
	for sub := range r.linear {
		candidates[sub] = struct{}{}
	}

	var out []ID
	for sub := range candidates {
		for i := range sub.filters {
			if sub.filters[i].Matches(ev) {
				out = append(out, sub.id)
				break
			}
		}
	}
	return out
}

func (r *Registry) indexLocked(sub *subscription) {
	kinds, authors, linear := sub.buckets()
	for _, k := range kinds {
		set, ok := r.byKind[k]
		if !ok {
			set = make(map[*subscription]struct{})
			r.byKind[k] = set
		}
		set[sub] = struct{}{}
	}
	for _, a := range authors {
		set, ok := r.byAuthor[a]
		if !ok {
			set = make(map[*subscription]struct{})
			r.byAuthor[a] = set
		}
		set[sub] = struct{}{}
	}
	if linear {
		r.linear[sub] = struct{}{}
	}
}

func (r *Registry) unindexLocked(sub *subscription) {
	kinds, authors, linear := sub.buckets()
	for _, k := range kinds {
		if set, ok := r.byKind[k]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byKind, k)
			}
		}
	}
	for _, a := range authors {
		if set, ok := r.byAuthor[a]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.byAuthor, a)
			}
		}
	}
	if linear {
		delete(r.linear, sub)
	}
}
