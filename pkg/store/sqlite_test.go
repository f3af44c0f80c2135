package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaystone/nostrd/pkg/event"
)

type gateAll struct{ disabled map[string]bool }

func (g *gateAll) IsEnabled(id string) bool { return !g.disabled[id] }

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), &gateAll{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func hexAuthor(n int) string {
	return fmt.Sprintf("%064x", 0xa0000000+n)
}

func makeEvent(n int, author string, kind int, createdAt int64, tags [][]string) *event.Event {
	return &event.Event{
		ID:        hexID(n),
		PubKey:    author,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   fmt.Sprintf("event %d", n),
		Sig:       fmt.Sprintf("%0128x", n),
	}
}

func TestSQLiteInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then duplicate", func(t *testing.T) {
		s := openTestStore(t)
		ev := makeEvent(1, hexAuthor(1), 1, 1000, nil)

		outcome, err := s.Insert(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, Inserted, outcome)

		outcome, err = s.Insert(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, Duplicate, outcome)

		got, err := s.Query(ctx, []event.Filter{{IDs: []string{ev.ID}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("concurrent inserts yield exactly one Inserted", func(t *testing.T) {
		s := openTestStore(t)
		ev := makeEvent(2, hexAuthor(1), 1, 1000, nil)

		const n = 16
		outcomes := make([]InsertOutcome, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], errs[i] = s.Insert(ctx, ev)
			}(i)
		}
		wg.Wait()

		inserted := 0
		for i, o := range outcomes {
			require.NoError(t, errs[i])
			if o == Inserted {
				inserted++
			}
		}
		require.Equal(t, 1, inserted)

		got, err := s.Query(ctx, []event.Filter{{IDs: []string{ev.ID}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("replaceable kinds hide older events", func(t *testing.T) {
		s := openTestStore(t)
		author := hexAuthor(3)
		older := makeEvent(10, author, event.KindMetadata, 1000, nil)
		newer := makeEvent(11, author, event.KindMetadata, 2000, nil)

		_, err := s.Insert(ctx, older)
		require.NoError(t, err)
		_, err = s.Insert(ctx, newer)
		require.NoError(t, err)

		got, err := s.Query(ctx, []event.Filter{{Authors: []string{author}, Kinds: []int{event.KindMetadata}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, newer.ID, got[0].ID)

		// another author's metadata is untouched
		other := makeEvent(12, hexAuthor(4), event.KindMetadata, 500, nil)
		_, err = s.Insert(ctx, other)
		require.NoError(t, err)
		got, err = s.Query(ctx, []event.Filter{{Kinds: []int{event.KindMetadata}}})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})
}

func TestSQLiteQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	authorA, authorB := hexAuthor(1), hexAuthor(2)
	seed := []*event.Event{
		makeEvent(1, authorA, 1, 1000, [][]string{{"e", hexID(99)}}),
		makeEvent(2, authorA, 2, 2000, nil),
		makeEvent(3, authorB, 1, 3000, [][]string{{"e", hexID(99)}, {"p", authorA}}),
		makeEvent(4, authorB, 7, 4000, nil),
	}
	for _, ev := range seed {
		_, err := s.Insert(ctx, ev)
		require.NoError(t, err)
	}

	t.Run("descending order with limit", func(t *testing.T) {
		got, err := s.Query(ctx, []event.Filter{{Limit: 3}})
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, hexID(4), got[0].ID)
		require.Equal(t, hexID(3), got[1].ID)
		require.Equal(t, hexID(2), got[2].ID)
	})

	t.Run("author and kind conjunction", func(t *testing.T) {
		got, err := s.Query(ctx, []event.Filter{{Authors: []string{authorA}, Kinds: []int{1}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, hexID(1), got[0].ID)
	})

	t.Run("multiple filters union without duplicates", func(t *testing.T) {
		// the first filter alone returns [2, 1], the second [3, 1]; the
		// merged result is still globally newest first
		got, err := s.Query(ctx, []event.Filter{
			{Authors: []string{authorA}},
			{Kinds: []int{1}},
		})
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, hexID(3), got[0].ID)
		require.Equal(t, hexID(2), got[1].ID)
		require.Equal(t, hexID(1), got[2].ID)
	})

	t.Run("tag filter", func(t *testing.T) {
		got, err := s.Query(ctx, []event.Filter{{Tags: map[string][]string{"e": {hexID(99)}}}})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("time bounds", func(t *testing.T) {
		since, until := int64(1000), int64(4000)
		got, err := s.Query(ctx, []event.Filter{{Since: &since, Until: &until}})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("invalid hex values match nothing", func(t *testing.T) {
		got, err := s.Query(ctx, []event.Filter{{IDs: []string{"zzzz"}}})
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestSQLiteDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("author can tombstone own event", func(t *testing.T) {
		s := openTestStore(t)
		author := hexAuthor(1)
		ev := makeEvent(1, author, 1, 1000, nil)
		_, err := s.Insert(ctx, ev)
		require.NoError(t, err)

		ok, err := s.Delete(ctx, ev.ID, author)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Query(ctx, []event.Filter{{IDs: []string{ev.ID}}})
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("other authors cannot delete", func(t *testing.T) {
		s := openTestStore(t)
		ev := makeEvent(1, hexAuthor(1), 1, 1000, nil)
		_, err := s.Insert(ctx, ev)
		require.NoError(t, err)

		ok, err := s.Delete(ctx, ev.ID, hexAuthor(2))
		require.NoError(t, err)
		require.False(t, ok)

		got, err := s.Query(ctx, []event.Filter{{IDs: []string{ev.ID}}})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("deleted event never resurrects", func(t *testing.T) {
		s := openTestStore(t)
		author := hexAuthor(1)
		ev := makeEvent(1, author, 1, 1000, nil)
		_, err := s.Insert(ctx, ev)
		require.NoError(t, err)
		ok, err := s.Delete(ctx, ev.ID, author)
		require.NoError(t, err)
		require.True(t, ok)

		// re-publishing the identical event is a duplicate, not a revival
		outcome, err := s.Insert(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, Duplicate, outcome)

		exists, err := s.Exists(ctx, ev.ID)
		require.NoError(t, err)
		require.True(t, exists)

		got, err := s.Query(ctx, []event.Filter{{IDs: []string{ev.ID}}})
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestSeenCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(nil)
	cached, err := NewSeenCache(inner, 8)
	require.NoError(t, err)

	ev := makeEvent(1, hexAuthor(1), 1, 1000, nil)
	outcome, err := cached.Insert(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)

	outcome, err = cached.Insert(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	exists, err := cached.Exists(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, exists)
}
