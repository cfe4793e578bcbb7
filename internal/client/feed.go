package client

import (
	"sync"
	"time"

	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/wire"
)

// loadMoreTimeout bounds how long a pagination waits for its snapshot.
// If the connection drops mid-load, the timer clears the loading flag so
// the UI never sticks on "loading more".
const loadMoreTimeout = 15 * time.Second

// Feed is one subscription reconciled into a Cache. Pagination works by
// resubscribing with a larger window: the old subscription is torn down,
// the new one answers with a snapshot covering more history, and that
// snapshot clears the loading flag.
type Feed[T Entry] struct {
	client  *Client
	channel string
	cache   *Cache[T]

	mu      sync.Mutex
	params  wire.Params
	limit   int
	open    bool
	loading bool
	gen     int
	timer   Timer
}

// NewFeed prepares a feed over channel with the given params. The params
// are copied; the "limit" key is the feed's window and grows on LoadMore.
func NewFeed[T Entry](c *Client, channel string, params wire.Params) *Feed[T] {
	p := cloneParams(params)
	if p == nil {
		p = wire.Params{}
	}
	return &Feed[T]{
		client:  c,
		channel: channel,
		cache:   NewCache[T](),
		params:  p,
		limit:   p.IntParam("limit", 0),
	}
}

// Cache returns the reconciled view this feed maintains.
func (f *Feed[T]) Cache() *Cache[T] { return f.cache }

// Open subscribes. The first snapshot arrives through the change feed.
func (f *Feed[T]) Open() error {
	f.mu.Lock()
	if f.open {
		f.mu.Unlock()
		return nil
	}
	f.open = true
	params := cloneParams(f.params)
	f.mu.Unlock()

	return f.client.subscribe(f.channel, params, f.handle)
}

// Close unsubscribes. Frames already in flight are discarded by the
// routing layer once this returns.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return
	}
	f.open = false
	f.loading = false
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	params := cloneParams(f.params)
	f.mu.Unlock()

	f.client.unsubscribe(f.channel, params)
}

// Loading reports whether a load-more is waiting for its snapshot.
func (f *Feed[T]) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// LoadMore widens the window when older history exists. Only one load is
// in flight per feed; further calls are no-ops until the snapshot lands
// or the safety timer gives up. Returns whether a load was started.
func (f *Feed[T]) LoadMore() bool {
	if !f.cache.HasMore() {
		return false
	}

	f.mu.Lock()
	if !f.open || f.loading {
		f.mu.Unlock()
		return false
	}
	f.loading = true
	f.gen++
	gen := f.gen

	oldParams := cloneParams(f.params)
	f.limit = max(f.limit, f.cache.Len()) + f.client.pageSize
	f.params["limit"] = f.limit
	newParams := cloneParams(f.params)

	f.timer = f.client.clock.AfterFunc(loadMoreTimeout, func() { f.expireLoad(gen) })
	f.mu.Unlock()

	log.Debug(log.CatClient, "loading more", "channel", f.channel, "limit", f.limit)
	f.client.unsubscribe(f.channel, oldParams)
	if err := f.client.subscribe(f.channel, newParams, f.handle); err != nil {
		// Leave the flag for the timer; a reconnect replays the
		// subscription and its snapshot settles the load normally.
		log.Warn(log.CatClient, "load more subscribe failed",
			"channel", f.channel, "error", err)
	}
	return true
}

func (f *Feed[T]) handle(msg wire.ServerMessage) {
	if msg.Type == wire.TypeError {
		log.Warn(log.CatClient, "subscription rejected",
			"channel", msg.Channel, "data", string(msg.Data))
		f.settleLoad()
		return
	}

	changed, snapshotLike := applyMessage(f.cache, msg)
	if snapshotLike {
		f.settleLoad()
	}
	if changed {
		f.client.notify(Change{Channel: msg.Channel, Params: msg.Params})
	}
}

// settleLoad clears the loading flag and disarms the safety timer.
func (f *Feed[T]) settleLoad() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loading = false
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// expireLoad force-clears a loading flag whose snapshot never arrived.
// The generation token keeps a stale timer from clobbering a later load.
func (f *Feed[T]) expireLoad(gen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || !f.loading {
		return
	}
	f.loading = false
	f.timer = nil
	log.Warn(log.CatClient, "load more timed out", "channel", f.channel)
}
