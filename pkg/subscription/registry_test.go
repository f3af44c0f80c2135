package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaystone/nostrd/pkg/event"
)

func matchIDs(matches []ID) map[ID]bool {
	set := make(map[ID]bool, len(matches))
	for _, m := range matches {
		set[m] = true
	}
	return set
}

func TestRegistry(t *testing.T) {
	ev := &event.Event{ID: "11", PubKey: "aa", CreatedAt: 1000, Kind: 1}

	t.Run("register and match", func(t *testing.T) {
		r := NewRegistry()
		id, err := r.Register("c1", "sub1", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		require.Equal(t, ID{ConnID: "c1", Name: "sub1"}, id)

		matches := r.FindMatching(ev)
		require.Len(t, matches, 1)
		require.Equal(t, id, matches[0])
	})

	t.Run("filters union disjunctively", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("c1", "sub1", []event.Filter{
			{Kinds: []int{99}},
			{Authors: []string{"aa"}},
		})
		require.NoError(t, err)
		require.Len(t, r.FindMatching(ev), 1)
	})

	t.Run("unconstrained filter matches via linear scan", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("c1", "firehose", []event.Filter{{}})
		require.NoError(t, err)
		require.Len(t, r.FindMatching(ev), 1)
	})

	t.Run("same name replaces atomically", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("c1", "sub1", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		_, err = r.Register("c1", "sub1", []event.Filter{{Kinds: []int{2}}})
		require.NoError(t, err)

		require.Empty(t, r.FindMatching(ev))
		require.Equal(t, 1, r.Count("c1"))
	})

	t.Run("cancel and drop are idempotent", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("c1", "sub1", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		_, err = r.Register("c1", "sub2", []event.Filter{{Authors: []string{"aa"}}})
		require.NoError(t, err)

		r.Cancel("c1", "sub1")
		r.Cancel("c1", "sub1")
		require.Len(t, r.FindMatching(ev), 1)

		r.DropConnection("c1")
		r.DropConnection("c1")
		require.Empty(t, r.FindMatching(ev))
		require.Equal(t, 0, r.Count("c1"))
	})

	t.Run("per connection cap", func(t *testing.T) {
		r := NewRegistry()
		for i := 0; i < DefaultMaxPerConn; i++ {
			_, err := r.Register("c1", fmt.Sprintf("sub%d", i), []event.Filter{{Kinds: []int{i}}})
			require.NoError(t, err)
		}
		_, err := r.Register("c1", "one-too-many", []event.Filter{{}})
		require.ErrorIs(t, err, ErrTooManySubscriptions)

		// replacing an existing name is still allowed at the cap
		_, err = r.Register("c1", "sub0", []event.Filter{{Kinds: []int{42}}})
		require.NoError(t, err)
	})

	t.Run("name length cap", func(t *testing.T) {
		r := NewRegistry()
		long := make([]byte, MaxNameLength+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err := r.Register("c1", string(long), []event.Filter{{}})
		require.ErrorIs(t, err, ErrNameTooLong)
	})

	t.Run("matches across connections", func(t *testing.T) {
		r := NewRegistry()
		a, err := r.Register("c1", "s", []event.Filter{{Kinds: []int{1}}})
		require.NoError(t, err)
		b, err := r.Register("c2", "s", []event.Filter{{Authors: []string{"aa"}}})
		require.NoError(t, err)
		_, err = r.Register("c3", "s", []event.Filter{{Kinds: []int{2}}})
		require.NoError(t, err)

		set := matchIDs(r.FindMatching(ev))
		require.Len(t, set, 2)
		require.True(t, set[a])
		require.True(t, set[b])
	})

	t.Run("concurrent mutation and matching", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn := fmt.Sprintf("c%d", i)
				for j := 0; j < 200; j++ {
					_, _ = r.Register(conn, "s", []event.Filter{{Kinds: []int{1}}})
					r.FindMatching(ev)
					r.Cancel(conn, "s")
				}
			}(i)
		}
		wg.Wait()
		require.Empty(t, r.FindMatching(ev))
	})
}
