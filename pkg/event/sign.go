package event

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Sign fills in the author key, identifier, and signature from the given
// private key. Everything else must be set first; signing fixes the event's
// canonical form.
func (ev *Event) Sign(priv *btcec.PrivateKey) error {
	ev.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	ev.ID = id
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
