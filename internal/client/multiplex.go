package client

import (
	"slices"
	"sync"

	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/wire"
)

// Multiplexer shares one transport subscription among independent
// consumers that each want a subset of ids on the same channel. It holds
// the union of every acquired id set and resubscribes only when the
// union actually changes; the subscription closes when the last consumer
// releases.
type Multiplexer[T Entry] struct {
	client  *Client
	channel string
	cache   *Cache[T]

	mu        sync.Mutex
	consumers int
	refs      map[string]int
	active    wire.Params
}

func NewMultiplexer[T Entry](c *Client, channel string) *Multiplexer[T] {
	return &Multiplexer[T]{
		client:  c,
		channel: channel,
		cache:   NewCache[T](),
		refs:    make(map[string]int),
	}
}

// Cache returns the shared reconciled view. Consumers filter it down to
// the ids they asked for.
func (m *Multiplexer[T]) Cache() *Cache[T] { return m.cache }

// Acquire adds a consumer wanting the given ids and returns its release
// function. Release is idempotent.
func (m *Multiplexer[T]) Acquire(ids ...string) func() {
	m.mu.Lock()
	m.consumers++
	for _, id := range ids {
		m.refs[id]++
	}
	m.syncSubscriptionLocked()
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { m.release(ids) }) }
}

// Consumers returns the number of unreleased acquires.
func (m *Multiplexer[T]) Consumers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers
}

func (m *Multiplexer[T]) release(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumers--
	for _, id := range ids {
		if m.refs[id]--; m.refs[id] <= 0 {
			delete(m.refs, id)
		}
	}

	if m.consumers <= 0 {
		if m.active != nil {
			m.client.unsubscribe(m.channel, m.active)
			m.active = nil
		}
		return
	}
	m.syncSubscriptionLocked()
}

// syncSubscriptionLocked brings the transport subscription in line with
// the current union. An unchanged union is a no-op, so consumer churn
// inside a stable union never touches the transport.
func (m *Multiplexer[T]) syncSubscriptionLocked() {
	union := make([]string, 0, len(m.refs))
	for id := range m.refs {
		union = append(union, id)
	}
	slices.Sort(union)
	params := wire.Params{"ids": union}

	if m.active != nil && wire.CanonicalParams(m.active) == wire.CanonicalParams(params) {
		return
	}

	old := m.active
	m.active = params
	if old != nil {
		m.client.unsubscribe(m.channel, old)
	}
	if err := m.client.subscribe(m.channel, params, m.handle); err != nil {
		log.Warn(log.CatClient, "multiplex subscribe failed",
			"channel", m.channel, "ids", len(union), "error", err)
	}
}

func (m *Multiplexer[T]) handle(msg wire.ServerMessage) {
	if msg.Type == wire.TypeError {
		log.Warn(log.CatClient, "multiplexed subscription rejected",
			"channel", msg.Channel, "data", string(msg.Data))
		return
	}
	if changed, _ := applyMessage(m.cache, msg); changed {
		m.client.notify(Change{Channel: msg.Channel, Params: msg.Params})
	}
}
