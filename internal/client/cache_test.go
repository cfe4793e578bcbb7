package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// feedItem is the test Entry: id for identity, requestId for
// correlation, body for semantic matching, at for ordering.
type feedItem struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId,omitempty"`
	Body      string    `json:"body"`
	At        time.Time `json:"at"`
}

func (i feedItem) ItemID() string        { return i.ID }
func (i feedItem) CorrelationID() string { return i.RequestID }
func (i feedItem) SemanticKey() string   { return i.Body }
func (i feedItem) SortTime() time.Time   { return i.At }

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func ids(items []feedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// === snapshots ===

func TestCache_SnapshotReplacesConfirmed(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{
		{ID: "a", Body: "one", At: at(10)},
		{ID: "b", Body: "two", At: at(20)},
	}, true, 2)

	c.ApplySnapshot([]feedItem{
		{ID: "c", Body: "three", At: at(30)},
	}, false, 3)

	require.Equal(t, []string{"c"}, ids(c.Items()))
	require.False(t, c.HasMore())
	require.Equal(t, int64(3), c.Version())
}

func TestCache_SnapshotSortsByTime(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{
		{ID: "late", Body: "l", At: at(30)},
		{ID: "early", Body: "e", At: at(10)},
		{ID: "mid", Body: "m", At: at(20)},
	}, false, 0)

	require.Equal(t, []string{"early", "mid", "late"}, ids(c.Items()))
}

func TestCache_SnapshotConfirmsOptimistic(t *testing.T) {
	c := NewCache[feedItem]()
	c.AddOptimistic(feedItem{ID: "tmp-1", Body: "hi", At: at(25)})

	c.ApplySnapshot([]feedItem{
		{ID: "srv-1", Body: "hi", At: at(25)},
	}, false, 1)

	require.Equal(t, []string{"srv-1"}, ids(c.Items()), "confirmed item is the single representation")
	require.Zero(t, c.OptimisticCount())
}

func TestCache_SnapshotKeepsUnconfirmedOptimistic(t *testing.T) {
	c := NewCache[feedItem]()
	c.AddOptimistic(feedItem{ID: "tmp-1", Body: "pending", At: at(25)})

	c.ApplySnapshot([]feedItem{
		{ID: "a", Body: "one", At: at(10)},
		{ID: "b", Body: "two", At: at(30)},
	}, false, 2)

	require.Equal(t, []string{"a", "tmp-1", "b"}, ids(c.Items()), "optimistic item merges in sorted position")
	require.Equal(t, 1, c.OptimisticCount())
}

// === add deltas ===

func TestCache_AddAppendsSorted(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{{ID: "a", Body: "one", At: at(10)}}, false, 1)

	c.ApplyAdd([]feedItem{{ID: "c", Body: "three", At: at(30)}}, 3)
	c.ApplyAdd([]feedItem{{ID: "b", Body: "two", At: at(20)}}, 0)

	require.Equal(t, []string{"a", "b", "c"}, ids(c.Items()))
	require.Equal(t, int64(3), c.Version(), "zero version leaves the advisory version alone")
}

func TestCache_AddReplayIsNoop(t *testing.T) {
	c := NewCache[feedItem]()
	batch := []feedItem{
		{ID: "a", Body: "one", At: at(10)},
		{ID: "b", Body: "two", At: at(20)},
	}
	c.ApplyAdd(batch, 2)
	before := c.Items()

	c.ApplyAdd(batch, 2)
	require.Equal(t, before, c.Items(), "duplicate delivery must change nothing")
}

func TestCache_AddConfirmsOptimisticInPlace(t *testing.T) {
	// Three confirmed events at 10, 20, 30 with a local optimistic
	// prompt at 25; the confirmed twin arrives with a server id.
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{
		{ID: "e1", Body: "a", At: at(10)},
		{ID: "e2", Body: "b", At: at(20)},
		{ID: "e3", Body: "c", At: at(30)},
	}, false, 3)
	c.AddOptimistic(feedItem{ID: "tmp-1", Body: "hi", At: at(25)})
	require.Equal(t, 4, c.Len())

	c.ApplyAdd([]feedItem{{ID: "srv-9", Body: "hi", At: at(25)}}, 4)

	require.Equal(t, []string{"e1", "e2", "srv-9", "e3"}, ids(c.Items()))
	require.Zero(t, c.OptimisticCount())
}

func TestCache_AddFirstMatchWins(t *testing.T) {
	c := NewCache[feedItem]()
	c.AddOptimistic(feedItem{ID: "tmp-1", Body: "same", At: at(10)})
	c.AddOptimistic(feedItem{ID: "tmp-2", Body: "same", At: at(20)})

	c.ApplyAdd([]feedItem{{ID: "srv-1", Body: "same", At: at(10)}}, 1)

	require.Equal(t, 2, c.Len(), "one confirmation retires exactly one optimistic item")
	require.Equal(t, 1, c.OptimisticCount())
	require.Equal(t, []string{"srv-1", "tmp-2"}, ids(c.Items()))
}

func TestCache_AddSupersedesByCorrelation(t *testing.T) {
	// A provisional confirmed representation is replaced by the durable
	// one carrying the same request id.
	c := NewCache[feedItem]()
	c.ApplyAdd([]feedItem{{ID: "prov-1", RequestID: "r1", Body: "send", At: at(10)}}, 1)

	c.ApplyAdd([]feedItem{{ID: "srv-2", RequestID: "r1", Body: "send", At: at(10)}}, 2)

	require.Equal(t, []string{"srv-2"}, ids(c.Items()))
}

// === modify and delete ===

func TestCache_ModifyByID(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{
		{ID: "a", Body: "one", At: at(10)},
		{ID: "b", Body: "two", At: at(20)},
	}, false, 2)

	require.True(t, c.ApplyModify(feedItem{ID: "a", Body: "edited", At: at(10)}))

	items := c.Items()
	require.Equal(t, "edited", items[0].Body)
	require.Equal(t, []string{"a", "b"}, ids(items), "modify keeps position")
}

func TestCache_ModifyFallsBackToCorrelation(t *testing.T) {
	c := NewCache[feedItem]()
	c.AddOptimistic(feedItem{ID: "tmp-1", RequestID: "r1", Body: "hi", At: at(10)})

	ok := c.ApplyModify(feedItem{ID: "srv-1", RequestID: "r1", Body: "hi!", At: at(10)})
	require.True(t, ok)

	require.Equal(t, []string{"srv-1"}, ids(c.Items()), "identity changes without duplication")
	require.Zero(t, c.OptimisticCount(), "a server modify confirms the item")
}

func TestCache_ModifyMissingDropped(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{{ID: "a", Body: "one", At: at(10)}}, false, 1)

	require.False(t, c.ApplyModify(feedItem{ID: "ghost", Body: "x", At: at(5)}))
	require.Equal(t, []string{"a"}, ids(c.Items()))
}

func TestCache_DeleteByID(t *testing.T) {
	c := NewCache[feedItem]()
	c.ApplySnapshot([]feedItem{
		{ID: "a", Body: "one", At: at(10)},
		{ID: "b", Body: "two", At: at(20)},
	}, false, 2)

	require.True(t, c.ApplyDelete("a"))
	require.False(t, c.ApplyDelete("a"), "second delete is a no-op")
	require.Equal(t, []string{"b"}, ids(c.Items()))
}

func TestCache_DeleteRemovesOptimistic(t *testing.T) {
	c := NewCache[feedItem]()
	c.AddOptimistic(feedItem{ID: "tmp-1", Body: "hi", At: at(10)})

	require.True(t, c.ApplyDelete("tmp-1"))
	require.Zero(t, c.Len())
}

// === properties ===

func TestCache_AddIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		batch := make([]feedItem, n)
		for i := range batch {
			batch[i] = feedItem{
				ID:   fmt.Sprintf("id-%d", i),
				Body: rapid.StringMatching(`[a-z]{1,6}`).Draw(t, fmt.Sprintf("body%d", i)),
				At:   at(rapid.IntRange(0, 100).Draw(t, fmt.Sprintf("t%d", i))),
			}
		}

		once := NewCache[feedItem]()
		once.ApplyAdd(batch, 1)
		twice := NewCache[feedItem]()
		twice.ApplyAdd(batch, 1)
		twice.ApplyAdd(batch, 1)

		require.Equal(t, once.Items(), twice.Items())
	})
}

func TestCache_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCache[feedItem]()
		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			c.ApplyAdd([]feedItem{{
				ID:   fmt.Sprintf("id-%d", i),
				Body: fmt.Sprintf("body-%d", i),
				At:   at(rapid.IntRange(0, 50).Draw(t, fmt.Sprintf("t%d", i))),
			}}, 0)
		}

		items := c.Items()
		require.Len(t, items, n, "every distinct id lands exactly once")
		for i := 1; i < len(items); i++ {
			require.False(t, items[i].At.Before(items[i-1].At),
				"cache order must follow the timestamp sort")
		}
	})
}
