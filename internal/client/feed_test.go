package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/wire"
)

// fakeTransport records outbound frames and lets tests inject inbound
// ones through the sink the client registered.
type fakeTransport struct {
	mu     sync.Mutex
	sink   MessageSink
	state  StateSink
	frames []wire.ClientMessage
}

func (f *fakeTransport) Start(_ context.Context, sink MessageSink, state StateSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.state = state
}

func (f *fakeTransport) Subscribe(channel string, params wire.Params) error {
	f.record(wire.ClientMessage{Type: wire.TypeSubscribe, Channel: channel, Params: params})
	return nil
}

func (f *fakeTransport) Unsubscribe(channel string, params wire.Params) error {
	f.record(wire.ClientMessage{Type: wire.TypeUnsubscribe, Channel: channel, Params: params})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) record(msg wire.ClientMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *fakeTransport) sent() []wire.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ClientMessage(nil), f.frames...)
}

func (f *fakeTransport) deliver(msg wire.ServerMessage) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(msg)
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	state(true)
}

// mockClock collects timers and fires them on demand.
type mockClock struct {
	mu     sync.Mutex
	timers []*mockTimer
}

type mockTimer struct {
	f       func()
	stopped bool
	mu      *sync.Mutex
}

func (c *mockClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{f: f, mu: &c.mu}
	c.timers = append(c.timers, t)
	return t
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

// fire runs every pending timer that was not stopped.
func (c *mockClock) fire() {
	c.mu.Lock()
	var run []func()
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			run = append(run, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range run {
		f()
	}
}

// runRaw invokes timer i's callback regardless of its stopped state,
// simulating a callback that had already started when Stop was called.
func (c *mockClock) runRaw(i int) {
	c.mu.Lock()
	f := c.timers[i].f
	c.mu.Unlock()
	f()
}

func newFeedFixture(t *testing.T) (*Client, *fakeTransport, *mockClock) {
	t.Helper()
	transport := &fakeTransport{}
	clock := &mockClock{}
	c := New(Config{Transport: transport, PageSize: 10, Clock: clock})
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	return c, transport, clock
}

func rawItems(t *testing.T, items ...feedItem) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		data, err := json.Marshal(it)
		require.NoError(t, err)
		out[i] = data
	}
	return out
}

func snapshotMsg(t *testing.T, channel string, params wire.Params, snap wire.Snapshot) wire.ServerMessage {
	t.Helper()
	msg, err := wire.NewSnapshotMessage(channel, params, snap)
	require.NoError(t, err)
	return msg
}

func deltaMsg(t *testing.T, channel string, params wire.Params, delta wire.Delta) wire.ServerMessage {
	t.Helper()
	msg, err := wire.NewDeltaMessage(channel, params, delta)
	require.NoError(t, err)
	return msg
}

func expectChange(t *testing.T, ch <-chan pubsub.Event[Change]) pubsub.Event[Change] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected a change event")
		return pubsub.Event[Change]{}
	}
}

// === feed flow ===

func TestFeed_SnapshotPopulatesCache(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	params := wire.Params{"agentId": "a1"}
	feed := NewFeed[feedItem](c, "agent-events", params)
	require.NoError(t, feed.Open())

	sent := transport.sent()
	require.Len(t, sent, 1)
	require.Equal(t, wire.TypeSubscribe, sent[0].Type)
	require.Equal(t, "agent-events", sent[0].Channel)

	changes := c.Changes().Subscribe(context.Background())
	transport.deliver(snapshotMsg(t, "agent-events", params, wire.Snapshot{
		Items:   rawItems(t, feedItem{ID: "e1", Body: "one", At: at(10)}),
		Version: 1,
	}))

	require.Equal(t, []string{"e1"}, ids(feed.Cache().Items()))
	ev := expectChange(t, changes)
	require.Equal(t, pubsub.UpdatedEvent, ev.Type)
	require.Equal(t, "agent-events", ev.Payload.Channel)
}

func TestFeed_DeltasFlowIntoCache(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	params := wire.Params{"agentId": "a1"}
	feed := NewFeed[feedItem](c, "agent-events", params)
	require.NoError(t, feed.Open())

	transport.deliver(snapshotMsg(t, "agent-events", params, wire.Snapshot{
		Items: rawItems(t, feedItem{ID: "e1", Body: "one", At: at(10)}),
	}))
	transport.deliver(deltaMsg(t, "agent-events", params, wire.Delta{
		Op:   wire.OpAdd,
		Item: rawItems(t, feedItem{ID: "e2", Body: "two", At: at(20)})[0],
	}))

	require.Equal(t, []string{"e1", "e2"}, ids(feed.Cache().Items()))
}

func TestFeed_CloseStopsDelivery(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	params := wire.Params{"agentId": "a1"}
	feed := NewFeed[feedItem](c, "agent-events", params)
	require.NoError(t, feed.Open())
	feed.Close()

	sent := transport.sent()
	require.Equal(t, wire.TypeUnsubscribe, sent[len(sent)-1].Type)

	// A frame that was already in flight is dropped, not applied.
	transport.deliver(snapshotMsg(t, "agent-events", params, wire.Snapshot{
		Items: rawItems(t, feedItem{ID: "late", Body: "x", At: at(10)}),
	}))
	require.Zero(t, feed.Cache().Len())
}

// === pagination ===

func openWithHistory(t *testing.T, c *Client, transport *fakeTransport) (*Feed[feedItem], wire.Params) {
	t.Helper()
	params := wire.Params{"agentId": "a1", "limit": 2}
	feed := NewFeed[feedItem](c, "agent-events", params)
	require.NoError(t, feed.Open())
	transport.deliver(snapshotMsg(t, "agent-events", params, wire.Snapshot{
		Items: rawItems(t,
			feedItem{ID: "e4", Body: "four", At: at(40)},
			feedItem{ID: "e5", Body: "five", At: at(50)},
		),
		HasMore: true,
		Version: 5,
	}))
	return feed, params
}

func TestFeed_LoadMoreResubscribesWithLargerWindow(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	feed, _ := openWithHistory(t, c, transport)

	require.True(t, feed.LoadMore())
	require.True(t, feed.Loading())

	sent := transport.sent()
	require.Len(t, sent, 3, "subscribe, unsubscribe old window, subscribe new window")
	require.Equal(t, wire.TypeUnsubscribe, sent[1].Type)
	require.Equal(t, 2, sent[1].Params.IntParam("limit", 0))
	require.Equal(t, wire.TypeSubscribe, sent[2].Type)
	require.Equal(t, 12, sent[2].Params.IntParam("limit", 0), "window grows by the page size")

	wider := sent[2].Params
	transport.deliver(snapshotMsg(t, "agent-events", wider, wire.Snapshot{
		Items: rawItems(t,
			feedItem{ID: "e3", Body: "three", At: at(30)},
			feedItem{ID: "e4", Body: "four", At: at(40)},
			feedItem{ID: "e5", Body: "five", At: at(50)},
		),
		HasMore: false,
		Version: 5,
	}))

	require.False(t, feed.Loading(), "the widened snapshot settles the load")
	require.Equal(t, []string{"e3", "e4", "e5"}, ids(feed.Cache().Items()))
	require.False(t, feed.Cache().HasMore())
}

func TestFeed_LoadMoreSingleFlight(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	feed, _ := openWithHistory(t, c, transport)

	require.True(t, feed.LoadMore())
	before := len(transport.sent())

	require.False(t, feed.LoadMore(), "second call is a no-op while one is in flight")
	require.Len(t, transport.sent(), before, "no transport traffic for the no-op")
}

func TestFeed_LoadMoreRequiresHistory(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	params := wire.Params{"agentId": "a1"}
	feed := NewFeed[feedItem](c, "agent-events", params)
	require.NoError(t, feed.Open())
	transport.deliver(snapshotMsg(t, "agent-events", params, wire.Snapshot{
		Items: rawItems(t, feedItem{ID: "e1", Body: "one", At: at(10)}),
	}))

	before := len(transport.sent())
	require.False(t, feed.LoadMore(), "nothing older exists")
	require.Len(t, transport.sent(), before)
}

func TestFeed_LoadMoreTimeoutClearsFlag(t *testing.T) {
	c, transport, clock := newFeedFixture(t)
	feed, _ := openWithHistory(t, c, transport)

	require.True(t, feed.LoadMore())
	require.True(t, feed.Loading())

	clock.fire()
	require.False(t, feed.Loading(), "the safety timer must not leave a stuck loading state")

	// The load window stays raised; a late snapshot still applies.
	sent := transport.sent()
	wider := sent[len(sent)-1].Params
	transport.deliver(snapshotMsg(t, "agent-events", wider, wire.Snapshot{
		Items:   rawItems(t, feedItem{ID: "e1", Body: "one", At: at(10)}),
		HasMore: false,
	}))
	require.Equal(t, []string{"e1"}, ids(feed.Cache().Items()))
	require.False(t, feed.Loading())
}

func TestFeed_StaleTimerCannotClearLaterLoad(t *testing.T) {
	c, transport, clock := newFeedFixture(t)
	feed, _ := openWithHistory(t, c, transport)

	require.True(t, feed.LoadMore())
	sent := transport.sent()
	wider := sent[len(sent)-1].Params
	transport.deliver(snapshotMsg(t, "agent-events", wider, wire.Snapshot{
		Items:   rawItems(t, feedItem{ID: "e1", Body: "one", At: at(10)}),
		HasMore: true,
	}))
	require.False(t, feed.Loading())

	require.True(t, feed.LoadMore())
	require.True(t, feed.Loading())

	// The first load's callback arrives late, after its load settled
	// and a second one started. The generation token ignores it.
	clock.runRaw(0)
	require.True(t, feed.Loading(), "a stale timer must not clear a later load")

	clock.fire()
	require.False(t, feed.Loading(), "the live timer still expires its own load")
}

func TestFeed_ErrorFrameSettlesLoad(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	feed, _ := openWithHistory(t, c, transport)

	require.True(t, feed.LoadMore())
	sent := transport.sent()
	wider := sent[len(sent)-1].Params

	transport.deliver(wire.NewErrorMessage("agent-events", wider, "access-denied", "denied"))
	require.False(t, feed.Loading(), "a rejection means no snapshot is coming")
}

// === reconnect signal ===

func TestClient_ReconnectPublishesReset(t *testing.T) {
	c, transport, _ := newFeedFixture(t)
	changes := c.Changes().Subscribe(context.Background())

	transport.connect()

	ev := expectChange(t, changes)
	require.Equal(t, pubsub.ResetEvent, ev.Type)
}
