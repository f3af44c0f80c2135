// Package event defines the relay's event model: the canonical wire form of
// a signed Nostr event, content-derived identifier computation, and signature
// verification.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gowebpki/jcs"
)

// Well-known event kinds the relay treats specially.
const (
	KindMetadata    = 0
	KindTextNote    = 1
	KindContactList = 3
	KindDeletion    = 5
)

// Event is an immutable, signed, content-addressed message published by a
// client. Once accepted it is never mutated.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// CanonicalBytes returns the RFC 8785 canonical serialization of the
// identifier preimage array [0, pubkey, created_at, kind, tags, content].
func (ev *Event) CanonicalBytes() ([]byte, error) {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, ev.PubKey, ev.CreatedAt, ev.Kind, tags, ev.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("canonical encode failed: %w", err)
	}
	canonical, err := jcs.Transform(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("canonicalization failed: %w", err)
	}
	return canonical, nil
}

// ComputeID returns the hex SHA-256 digest of the event's canonical form.
func (ev *Event) ComputeID() (string, error) {
	canonical, err := ev.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckSignature verifies the BIP-340 Schnorr signature over the event's
// identifier against the claimed author key.
func (ev *Event) CheckSignature() (bool, error) {
	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return false, fmt.Errorf("invalid public key")
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return false, fmt.Errorf("invalid signature encoding")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil || len(idBytes) != sha256.Size {
		return false, fmt.Errorf("invalid event id")
	}
	return sig.Verify(idBytes, pub), nil
}

// Serialize returns the event's wire JSON without HTML escaping.
func (ev *Event) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ShortID returns an 8-character identifier prefix for logging.
func (ev *Event) ShortID() string {
	if len(ev.ID) < 8 {
		return ev.ID
	}
	return ev.ID[:8]
}

// TagValues returns the first value of every tag entry with the given name,
// e.g. the referenced event ids of all "e" tags.
func (ev *Event) TagValues(name string) []string {
	var vals []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			vals = append(vals, tag[1])
		}
	}
	return vals
}
