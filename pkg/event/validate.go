package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema is the structural contract for an inbound event object.
// Everything beyond it (identifier, signature, timestamp skew, extension
// semantics) is checked separately so rejections carry a precise reason.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "pubkey", "created_at", "kind", "tags", "content", "sig"],
  "properties": {
    "id":         {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "pubkey":     {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "created_at": {"type": "integer", "minimum": 0},
    "kind":       {"type": "integer", "minimum": 0, "maximum": 65535},
    "tags":       {"type": "array", "items": {"type": "array", "items": {"type": "string"}}},
    "content":    {"type": "string"},
    "sig":        {"type": "string", "pattern": "^[0-9a-f]{128}$"}
  }
}`

// Limits are the operator-configured validation bounds. They are swapped
// atomically so every validation reads one consistent set.
type Limits struct {
	// MaxEventBytes bounds the serialized size of a submitted event.
	MaxEventBytes int
	// RejectFutureSeconds is the maximum tolerated clock skew into the
	// future. Zero disables the check. No lower bound is enforced;
	// historical backfill is legitimate.
	RejectFutureSeconds int64
}

// ExtensionHooks is the slice of the extension registry the validator
// consults for kind-specific rules.
type ExtensionHooks interface {
	// ApplyValidation runs the hook owning the event's kind, if any.
	// It returns a *ValidationError on rejection and nil otherwise.
	ApplyValidation(ev *Event) error
}

// Validator checks raw client input against the protocol and operator
// constraints. It has no side effects: the outcome is a pure function of the
// input, the current limits snapshot, the extension snapshot, and the clock.
type Validator struct {
	limits atomic.Pointer[Limits]
	ext    ExtensionHooks
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewValidator compiles the structural schema and returns a validator bound
// to the given extension hooks.
func NewValidator(limits Limits, ext ExtensionHooks) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, err
	}
	v := &Validator{ext: ext, schema: schema, now: time.Now}
	v.limits.Store(&limits)
	return v, nil
}

// SetLimits swaps the validation bounds for all subsequent validations.
func (v *Validator) SetLimits(limits Limits) {
	v.limits.Store(&limits)
}

// Limits returns the current bounds snapshot.
func (v *Validator) Limits() Limits {
	return *v.limits.Load()
}

// SetClock overrides the time source. Test hook.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate parses and checks a raw event. Checks run in a fixed order and
// short-circuit on the first failure: size, structure, identifier,
// signature, timestamp skew, extension rules.
func (v *Validator) Validate(raw []byte) (*Event, error) {
	limits := v.limits.Load()

	if limits.MaxEventBytes > 0 && len(raw) > limits.MaxEventBytes {
		return nil, rejected(ReasonTooLarge, "event is %d bytes, limit is %d", len(raw), limits.MaxEventBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, rejected(ReasonMalformed, "not valid JSON")
	}
	if err := v.schema.Validate(generic); err != nil {
		return nil, rejected(ReasonMalformed, "structural check failed")
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, rejected(ReasonMalformed, "decode failed")
	}

	id, err := ev.ComputeID()
	if err != nil {
		return nil, rejected(ReasonMalformed, "canonicalization failed")
	}
	if id != ev.ID {
		return nil, rejected(ReasonIDMismatch, "claimed %s, computed %s", ev.ShortID(), id[:8])
	}

	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, rejected(ReasonBadSignature, "signature does not verify")
	}

	if max := limits.RejectFutureSeconds; max > 0 {
		if ev.CreatedAt > v.now().Unix()+max {
			return nil, rejected(ReasonFutureTimestamp, "created_at is more than %ds in the future", max)
		}
	}

	if v.ext != nil {
		if err := v.ext.ApplyValidation(&ev); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}
