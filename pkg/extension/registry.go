// Package extension implements the registry of optional protocol behaviors.
// Each extension owns a set of event kinds and contributes validation and
// matching hooks. Toggling swaps an immutable snapshot so every in-flight
// validation observes one consistent registry state.
package extension

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaystone/nostrd/pkg/event"
)

// ValidateHook checks extension-specific rules for an event of an owned
// kind. It returns a *event.ValidationError on rejection.
type ValidateHook func(ev *event.Event) error

// MatchHook can veto broadcast of an event of an owned kind.
type MatchHook func(ev *event.Event) bool

// Extension describes one optional protocol behavior.
type Extension struct {
	ID       string
	Kinds    []int
	Validate ValidateHook
	Match    MatchHook
}

type entry struct {
	ext     Extension
	enabled bool
}

type snapshot struct {
	byID   map[string]*entry
	byKind map[int]*entry
}

// Registry holds the enabled-extension set. Reads are lock-free; mutation is
// an administrative operation serialized by a mutex and published by an
// atomic pointer swap.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		byID:   map[string]*entry{},
		byKind: map[int]*entry{},
	})
	return r
}

// Register adds an extension, enabled by default. Registering an ID twice
// replaces the previous definition.
func (r *Registry) Register(ext Extension) error {
	if ext.ID == "" {
		return fmt.Errorf("extension id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneLocked()
	e := &entry{ext: ext, enabled: true}
	if prev, ok := next.byID[ext.ID]; ok {
		e.enabled = prev.enabled
		for _, k := range prev.ext.Kinds {
			delete(next.byKind, k)
		}
	}
	next.byID[ext.ID] = e
	for _, k := range ext.Kinds {
		next.byKind[k] = e
	}
	r.snap.Store(next)
	return nil
}

// SetEnabled toggles an extension. The change applies to every validation
// that starts after the swap.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cloneLocked()
	e, ok := next.byID[id]
	if !ok {
		return fmt.Errorf("unknown extension %q", id)
	}
	e.enabled = enabled
	r.snap.Store(next)
	return nil
}

// IsEnabled reports whether the extension is registered and enabled.
func (r *Registry) IsEnabled(id string) bool {
	e, ok := r.snap.Load().byID[id]
	return ok && e.enabled
}

// ApplyValidation dispatches to the hook owning the event's kind. Kinds with
// no owning extension pass unchecked. Kinds owned by a disabled extension
// are refused: accepting them with undefined semantics is worse than an
// explicit rejection.
func (r *Registry) ApplyValidation(ev *event.Event) error {
	e, ok := r.snap.Load().byKind[ev.Kind]
	if !ok {
		return nil
	}
	if !e.enabled {
		return &event.ValidationError{
			Reason: event.ReasonUnsupportedKind,
			Detail: fmt.Sprintf("kind %d requires disabled extension %q", ev.Kind, e.ext.ID),
		}
	}
	if e.ext.Validate == nil {
		return nil
	}
	return e.ext.Validate(ev)
}

// ApplyMatch consults the match hook owning the event's kind, if any.
// It reports whether the event may be broadcast.
func (r *Registry) ApplyMatch(ev *event.Event) bool {
	e, ok := r.snap.Load().byKind[ev.Kind]
	if !ok || !e.enabled || e.ext.Match == nil {
		return true
	}
	return e.ext.Match(ev)
}

// cloneLocked deep-copies the current snapshot, sharing nothing mutable.
func (r *Registry) cloneLocked() *snapshot {
	cur := r.snap.Load()
	next := &snapshot{
		byID:   make(map[string]*entry, len(cur.byID)),
		byKind: make(map[int]*entry, len(cur.byKind)),
	}
	for id, e := range cur.byID {
		copied := *e
		next.byID[id] = &copied
	}
	for k, e := range cur.byKind {
		next.byKind[k] = next.byID[e.ext.ID]
	}
	return next
}
