package extension

import (
	"github.com/relaystone/nostrd/pkg/event"
)

// Identifiers of the relay's built-in extensions.
const (
	EventDeletion     = "event-deletion"
	ReplaceableEvents = "replaceable-events"
)

// Deletion returns the NIP-09 deletion extension: kind-5 events that
// tombstone earlier events of the same author. A deletion event must
// reference at least one target.
func Deletion() Extension {
	return Extension{
		ID:    EventDeletion,
		Kinds: []int{event.KindDeletion},
		Validate: func(ev *event.Event) error {
			if len(ev.TagValues("e")) == 0 {
				return &event.ValidationError{
					Reason: event.ReasonExtensionRejected,
					Detail: "deletion event references no targets",
				}
			}
			return nil
		},
	}
}

// Replaceable returns the replaceable-events extension: metadata (kind 0)
// and contact list (kind 3) events where a newer event from an author hides
// that author's older events of the same kind. The hiding itself happens in
// the store's insert transaction.
func Replaceable() Extension {
	return Extension{
		ID:    ReplaceableEvents,
		Kinds: []int{event.KindMetadata, event.KindContactList},
	}
}

// RegisterBuiltins registers the relay's stock extensions.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Deletion()); err != nil {
		return err
	}
	return r.Register(Replaceable())
}
