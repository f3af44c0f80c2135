// Package transport frames the relay core for websocket clients: JSON array
// envelopes in both directions, connection read/write pumps, and the relay
// information document.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/relaystone/nostrd/pkg/event"
)

// Inbound message labels.
const (
	labelEvent = "EVENT"
	labelReq   = "REQ"
	labelClose = "CLOSE"
)

// EventMessage carries a raw client-published event.
type EventMessage struct {
	Raw json.RawMessage
}

// ReqMessage opens or replaces a named subscription.
type ReqMessage struct {
	Name    string
	Filters []event.Filter
}

// CloseMessage cancels a named subscription.
type CloseMessage struct {
	Name string
}

// ParseMessage decodes one inbound client frame. The result is one of
// EventMessage, ReqMessage, or CloseMessage.
func ParseMessage(data []byte) (interface{}, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("not a message array")
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("message array too short")
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("message label is not a string")
	}
	switch label {
	case labelEvent:
		return EventMessage{Raw: parts[1]}, nil
	case labelReq:
		var name string
		if err := json.Unmarshal(parts[1], &name); err != nil {
			return nil, fmt.Errorf("subscription name is not a string")
		}
		var filters []event.Filter
		for _, raw := range parts[2:] {
			var f event.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("bad filter: %w", err)
			}
			filters = append(filters, f)
		}
		if len(filters) == 0 {
			filters = []event.Filter{{}}
		}
		return ReqMessage{Name: name, Filters: filters}, nil
	case labelClose:
		var name string
		if err := json.Unmarshal(parts[1], &name); err != nil {
			return nil, fmt.Errorf("subscription name is not a string")
		}
		return CloseMessage{Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown message label %q", label)
	}
}

func marshalEnvelope(parts ...interface{}) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parts); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// EventEnvelope frames an event for a subscription.
func EventEnvelope(subName string, ev *event.Event) []byte {
	return marshalEnvelope("EVENT", subName, ev)
}

// OKEnvelope reports a submission outcome (NIP-20).
func OKEnvelope(eventID string, accepted bool, message string) []byte {
	return marshalEnvelope("OK", eventID, accepted, message)
}

// EOSEEnvelope marks the end of stored events for a subscription (NIP-15).
func EOSEEnvelope(subName string) []byte {
	return marshalEnvelope("EOSE", subName)
}

// NoticeEnvelope carries a human-readable message to the client.
func NoticeEnvelope(message string) []byte {
	return marshalEnvelope("NOTICE", message)
}
