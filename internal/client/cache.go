package client

import (
	"slices"
	"sync"

	"github.com/zjrosen/relay/internal/log"
)

// Item is one cached element together with its confirmation state.
// Optimistic items were inserted locally and have not yet been confirmed
// by any server message.
type Item[T Entry] struct {
	Value      T
	Optimistic bool
}

// Cache holds the reconciled item list for one subscription. Confirmed
// and optimistic items share a single list kept sorted by SortTime;
// every merge rule here must hold under duplicate and replayed delivery,
// since the transport promises at-least-once, not exactly-once.
type Cache[T Entry] struct {
	mu      sync.Mutex
	items   []Item[T]
	version int64
	hasMore bool
}

func NewCache[T Entry]() *Cache[T] {
	return &Cache[T]{}
}

// ApplySnapshot replaces the confirmed items wholesale. Optimistic items
// survive only while no confirmed item carries their semantic key; the
// moment one does, the confirmed item is the single representation.
func (c *Cache[T]) ApplySnapshot(items []T, hasMore bool, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmed := make(map[string]struct{}, len(items))
	for _, it := range items {
		if k := it.SemanticKey(); k != "" {
			confirmed[k] = struct{}{}
		}
	}

	next := make([]Item[T], 0, len(items)+len(c.items))
	for _, it := range items {
		next = append(next, Item[T]{Value: it})
	}
	for _, cached := range c.items {
		if !cached.Optimistic {
			continue
		}
		if _, ok := confirmed[cached.Value.SemanticKey()]; ok {
			continue
		}
		next = append(next, cached)
	}

	sortItems(next)
	c.items = next
	c.hasMore = hasMore
	c.version = version
}

// ApplyAdd merges incoming confirmed items. Items whose id is already
// cached are dropped (replay is a no-op). Each incoming item retires the
// first optimistic item sharing its semantic key and any confirmed item
// sharing its correlation id under a different id, so one request never
// renders twice across its provisional and durable representations.
func (c *Cache[T]) ApplyAdd(items []T, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, incoming := range items {
		if c.indexByID(incoming.ItemID()) >= 0 {
			continue
		}
		if key := incoming.SemanticKey(); key != "" {
			if i := c.firstOptimisticByKey(key); i >= 0 {
				c.items = slices.Delete(c.items, i, i+1)
			}
		}
		if corr := incoming.CorrelationID(); corr != "" {
			c.dropConfirmedByCorrelation(corr, incoming.ItemID())
		}
		c.items = append(c.items, Item[T]{Value: incoming})
	}

	sortItems(c.items)
	if version != 0 {
		c.version = version
	}
}

// ApplyModify replaces one item in place, preserving its position. The
// target is found by id, falling back to correlation id so an optimistic
// item can take on its server identity without moving; a correlation
// match also marks the item confirmed. Returns false when no target
// exists, which callers log and otherwise ignore.
func (c *Cache[T]) ApplyModify(item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexByID(item.ItemID()); i >= 0 {
		c.items[i].Value = item
		return true
	}
	if corr := item.CorrelationID(); corr != "" {
		for i := range c.items {
			if c.items[i].Value.CorrelationID() == corr {
				c.items[i] = Item[T]{Value: item}
				return true
			}
		}
	}
	return false
}

// ApplyDelete removes the item with the given id. Absent ids are a no-op.
func (c *Cache[T]) ApplyDelete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexByID(id)
	if i < 0 {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

// AddOptimistic inserts a locally created item in sorted position. It
// stays until a confirmed item with its semantic key or correlation id
// arrives.
func (c *Cache[T]) AddOptimistic(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = append(c.items, Item[T]{Value: item, Optimistic: true})
	sortItems(c.items)
}

// Items returns the merged item values in cache order.
func (c *Cache[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.items))
	for i, it := range c.items {
		out[i] = it.Value
	}
	return out
}

// Entries returns the cached elements with their confirmation state.
func (c *Cache[T]) Entries() []Item[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[T]) OptimisticCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, it := range c.items {
		if it.Optimistic {
			n++
		}
	}
	return n
}

// Version returns the advisory version of the last applied snapshot or
// versioned delta. It is never used to reject deliveries.
func (c *Cache[T]) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// HasMore reports whether older history exists beyond the cached window.
func (c *Cache[T]) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// indexByID finds any cached item, confirmed or optimistic, by id.
func (c *Cache[T]) indexByID(id string) int {
	for i := range c.items {
		if c.items[i].Value.ItemID() == id {
			return i
		}
	}
	return -1
}

// firstOptimisticByKey returns the first optimistic item with the given
// semantic key. First-match keeps reconciliation predictable when two
// optimistic items carry identical content.
func (c *Cache[T]) firstOptimisticByKey(key string) int {
	for i := range c.items {
		if c.items[i].Optimistic && c.items[i].Value.SemanticKey() == key {
			return i
		}
	}
	return -1
}

// dropConfirmedByCorrelation removes confirmed items superseded by an
// incoming item that shares their correlation id.
func (c *Cache[T]) dropConfirmedByCorrelation(corr, keepID string) {
	for i := 0; i < len(c.items); {
		it := c.items[i]
		if !it.Optimistic && it.Value.CorrelationID() == corr && it.Value.ItemID() != keepID {
			log.Debug(log.CatClient, "dropping superseded item",
				"id", it.Value.ItemID(), "correlationId", corr)
			c.items = slices.Delete(c.items, i, i+1)
			continue
		}
		i++
	}
}

// sortItems keeps the cache ordered by SortTime. The sort is stable so
// same-timestamp items keep their arrival order.
func sortItems[T Entry](items []Item[T]) {
	slices.SortStableFunc(items, func(a, b Item[T]) int {
		return a.Value.SortTime().Compare(b.Value.SortTime())
	})
}
