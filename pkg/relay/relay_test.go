package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaystone/nostrd/pkg/broadcast"
	"github.com/relaystone/nostrd/pkg/event"
	"github.com/relaystone/nostrd/pkg/extension"
	"github.com/relaystone/nostrd/pkg/store"
)

func signedRaw(t *testing.T, priv *btcec.PrivateKey, kind int, content string, tags [][]string) []byte {
	t.Helper()
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(priv))
	raw, err := ev.Serialize()
	require.NoError(t, err)
	return raw
}

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	if opts.Extensions == nil {
		opts.Extensions = extension.NewRegistry()
		require.NoError(t, extension.RegisterBuiltins(opts.Extensions))
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory(opts.Extensions)
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func recvDelivery(t *testing.T, ch <-chan broadcast.Delivery) broadcast.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return broadcast.Delivery{}
	}
}

func TestRelaySubmitAndBroadcast(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("insert reaches live subscriber", func(t *testing.T) {
		r := newTestRelay(t, Options{})
		pub, ch := r.OpenConnection()
		sub, subCh := r.OpenConnection()
		defer r.CloseConnection(pub)
		defer r.CloseConnection(sub)

		backfill, err := r.OpenSubscription(ctx, sub, "notes", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		require.Empty(t, backfill)

		out := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "hello", nil))
		require.Equal(t, StatusInserted, out.Status)
		require.NotEmpty(t, out.EventID)

		d := recvDelivery(t, subCh)
		require.Equal(t, out.EventID, d.Event.ID)
		require.Equal(t, sub, d.Sub.ConnID)
		require.Equal(t, "notes", d.Sub.Name)

		// the publisher has no subscription and hears nothing
		select {
		case d := <-ch:
			t.Fatalf("unexpected delivery to publisher: %v", d.Event.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("duplicate acknowledged without rebroadcast", func(t *testing.T) {
		r := newTestRelay(t, Options{})
		pub, _ := r.OpenConnection()
		sub, subCh := r.OpenConnection()
		defer r.CloseConnection(pub)
		defer r.CloseConnection(sub)

		_, err := r.OpenSubscription(ctx, sub, "all", []event.Filter{{}})
		require.NoError(t, err)

		raw := signedRaw(t, priv, 1, "once", nil)
		first := r.SubmitEvent(ctx, pub, raw)
		require.Equal(t, StatusInserted, first.Status)
		recvDelivery(t, subCh)

		second := r.SubmitEvent(ctx, pub, raw)
		require.Equal(t, StatusDuplicate, second.Status)
		require.Equal(t, first.EventID, second.EventID)

		select {
		case d := <-subCh:
			t.Fatalf("duplicate was rebroadcast: %v", d.Event.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("rejection reports the claimed id", func(t *testing.T) {
		r := newTestRelay(t, Options{})
		pub, _ := r.OpenConnection()
		defer r.CloseConnection(pub)

		raw := signedRaw(t, priv, 1, "tampered", nil)
		var ev event.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		ev.Content = "changed after signing"
		tampered, err := ev.Serialize()
		require.NoError(t, err)

		out := r.SubmitEvent(ctx, pub, tampered)
		require.Equal(t, StatusRejected, out.Status)
		require.Equal(t, ev.ID, out.EventID)
		require.NotEmpty(t, out.Reason)
	})

	t.Run("backfill then live", func(t *testing.T) {
		r := newTestRelay(t, Options{})
		pub, _ := r.OpenConnection()
		sub, subCh := r.OpenConnection()
		defer r.CloseConnection(pub)
		defer r.CloseConnection(sub)

		stored := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "stored", nil))
		require.Equal(t, StatusInserted, stored.Status)

		backfill, err := r.OpenSubscription(ctx, sub, "notes", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		require.Len(t, backfill, 1)
		require.Equal(t, stored.EventID, backfill[0].ID)

		live := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "live", nil))
		require.Equal(t, StatusInserted, live.Status)
		require.Equal(t, live.EventID, recvDelivery(t, subCh).Event.ID)
	})
}

func TestRelayRateLimit(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	r := newTestRelay(t, Options{Limits: Limits{MessagesPerSec: 1}})
	pub, _ := r.OpenConnection()
	other, _ := r.OpenConnection()
	defer r.CloseConnection(pub)
	defer r.CloseConnection(other)

	var limited bool
	for i := 0; i < 100; i++ {
		out := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, fmt.Sprintf("n%d", i), nil))
		if out.Status == StatusRateLimited {
			limited = true
			break
		}
	}
	require.True(t, limited, "sustained submissions never hit the limiter")

	// a different connection has its own budget
	out := r.SubmitEvent(ctx, other, signedRaw(t, priv, 1, "fresh", nil))
	require.Equal(t, StatusInserted, out.Status)

	// raising the rate takes effect on the throttled connection immediately
	r.SetLimits(Limits{MessagesPerSec: 1000})
	out = r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "after raise", nil))
	require.Equal(t, StatusInserted, out.Status)

	// so does disabling limiting entirely
	r.SetLimits(Limits{MessagesPerSec: 0})
	out = r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "after lift", nil))
	require.Equal(t, StatusInserted, out.Status)
}

func TestRelayLimitsSwap(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	r := newTestRelay(t, Options{})
	pub, _ := r.OpenConnection()
	defer r.CloseConnection(pub)

	big := signedRaw(t, priv, 1, "a long enough note to trip a tiny cap", nil)
	out := r.SubmitEvent(ctx, pub, big)
	require.Equal(t, StatusInserted, out.Status)

	r.SetLimits(Limits{MaxEventBytes: 64})
	require.Equal(t, 64, r.Limits().MaxEventBytes)

	out = r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "another long enough note to trip the cap", nil))
	require.Equal(t, StatusRejected, out.Status)
}

func TestRelayExtensionToggle(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	ext := extension.NewRegistry()
	require.NoError(t, extension.RegisterBuiltins(ext))
	st := store.NewMemory(ext)
	r := newTestRelay(t, Options{Store: st, Extensions: ext})
	pub, _ := r.OpenConnection()
	defer r.CloseConnection(pub)

	target := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "to be deleted", nil))
	require.Equal(t, StatusInserted, target.Status)

	del := signedRaw(t, priv, 5, "", [][]string{{"e", target.EventID}})
	out := r.SubmitEvent(ctx, pub, del)
	require.Equal(t, StatusInserted, out.Status)

	got, err := st.Query(ctx, []event.Filter{{IDs: []string{target.EventID}}})
	require.NoError(t, err)
	require.Empty(t, got)

	// with the extension off, kind 5 is no longer accepted
	require.NoError(t, r.SetExtensionEnabled(extension.EventDeletion, false))
	out = r.SubmitEvent(ctx, pub, signedRaw(t, priv, 5, "", [][]string{{"e", target.EventID}}))
	require.Equal(t, StatusRejected, out.Status)
}

func TestRelayCloseConnection(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx := context.Background()

	r := newTestRelay(t, Options{})
	pub, _ := r.OpenConnection()
	sub, subCh := r.OpenConnection()
	defer r.CloseConnection(pub)

	_, err = r.OpenSubscription(ctx, sub, "all", []event.Filter{{}})
	require.NoError(t, err)

	r.CloseConnection(sub)
	r.CloseConnection(sub)
	_, open := <-subCh
	require.False(t, open)

	out := r.SubmitEvent(ctx, pub, signedRaw(t, priv, 1, "after close", nil))
	require.Equal(t, StatusInserted, out.Status)
}
