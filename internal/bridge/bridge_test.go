package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/bus"
)

// mockClock implements Clock for deterministic backoff testing. Created
// timers report their requested duration on the created channel so tests
// can observe the backoff sequence before advancing time.
type mockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	created chan time.Duration
}

func newMockClock() *mockClock {
	return &mockClock{
		now:     time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		created: make(chan time.Duration, 32),
	}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	t := &mockTimer{
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	c.created <- d
	return t
}

// Advance moves time forward and fires any expired timers.
func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := c.timers
	c.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		if !t.stopped && !t.fired && !t.deadline.After(now) {
			t.fired = true
			select {
			case t.ch <- now:
			default:
			}
		}
		t.mu.Unlock()
	}
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasRunning := !t.stopped && !t.fired
	t.stopped = true
	return wasRunning
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

// process bundles one simulated process: its own bus and bridge sharing
// the hub with the other processes.
type process struct {
	bus    *bus.Bus
	bridge *Bridge
	events chan bus.Event
}

func newProcess(t *testing.T, hub *MemoryHub) *process {
	t.Helper()

	p := &process{
		bus:    bus.New(),
		events: make(chan bus.Event, 32),
	}
	p.bus.Subscribe(bus.AgentsChanged, func(e bus.Event) { p.events <- e })
	p.bridge = New(Config{Bus: p.bus, Transport: hub})
	t.Cleanup(p.bridge.Stop)
	return p
}

func waitConnected(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, b.Connected, time.Second, 2*time.Millisecond, "bridge never connected")
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
		return bus.Event{}
	}
}

func requireNoEvent(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case e := <-ch:
		require.Fail(t, "unexpected event", "type=%s payload=%s", e.Type, e.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// === Cross-Process Delivery ===

func TestPublishFansOutToAllProcesses(t *testing.T) {
	hub := NewMemoryHub()
	a := newProcess(t, hub)
	b := newProcess(t, hub)

	a.bridge.Start()
	b.bridge.Start()
	waitConnected(t, a.bridge)
	waitConnected(t, b.bridge)

	a.bridge.Publish(bus.NewAgentsChangedEvent("a-1"))

	gotA := waitEvent(t, a.events)
	gotB := waitEvent(t, b.events)
	require.Equal(t, "a-1", bus.ParseAgentsChanged(gotA).AgentIDs[0])
	require.Equal(t, "a-1", bus.ParseAgentsChanged(gotB).AgentIDs[0])
}

func TestPublisherSeesOwnEventExactlyOnce(t *testing.T) {
	hub := NewMemoryHub()
	p := newProcess(t, hub)

	p.bridge.Start()
	waitConnected(t, p.bridge)

	p.bridge.Publish(bus.NewAgentsChangedEvent("a-1"))

	// Delivered once via the round-trip, not a second time locally.
	waitEvent(t, p.events)
	requireNoEvent(t, p.events)
}

func TestPublishBeforeStartDeliversLocallyOnly(t *testing.T) {
	hub := NewMemoryHub()
	a := newProcess(t, hub)
	b := newProcess(t, hub)

	b.bridge.Start()
	waitConnected(t, b.bridge)

	// a's bridge never started: publish degrades to a's local bus.
	a.bridge.Publish(bus.NewAgentsChangedEvent("a-1"))

	got := waitEvent(t, a.events)
	require.Equal(t, bus.AgentsChanged, got.Type)
	requireNoEvent(t, b.events)
}

func TestPublishAfterStopDeliversLocally(t *testing.T) {
	hub := NewMemoryHub()
	p := newProcess(t, hub)

	p.bridge.Start()
	waitConnected(t, p.bridge)
	p.bridge.Stop()

	p.bridge.Publish(bus.NewAgentsChangedEvent("a-9"))

	got := waitEvent(t, p.events)
	require.Equal(t, "a-9", bus.ParseAgentsChanged(got).AgentIDs[0])
}

// === Resilience ===

func TestMalformedPayloadIsDroppedSessionSurvives(t *testing.T) {
	hub := NewMemoryHub()
	p := newProcess(t, hub)

	p.bridge.Start()
	waitConnected(t, p.bridge)

	hub.broadcast("{this is not json")
	hub.broadcast(`{"data":"missing event type"}`)

	requireNoEvent(t, p.events)

	// The session is still alive and delivering.
	p.bridge.Publish(bus.NewAgentsChangedEvent("a-1"))
	waitEvent(t, p.events)
}

func TestOversizePayloadArrivesWithIDsStripped(t *testing.T) {
	hub := NewMemoryHub()
	p := newProcess(t, hub)
	feed := make(chan bus.Event, 4)
	p.bus.Subscribe(bus.AgentEventsChanged, func(e bus.Event) { feed <- e })

	p.bridge.Start()
	waitConnected(t, p.bridge)

	ids := make([]string, 300)
	for i := range ids {
		ids[i] = "event-id-0000000000000000000000000000" // ~36 bytes each
	}
	p.bridge.Publish(bus.NewAgentEventsChangedEvent("a-1", ids...))

	got := waitEvent(t, feed)
	payload := bus.ParseAgentEventsChanged(got)
	require.Equal(t, "a-1", payload.AgentID, "scope survives the strip")
	require.Empty(t, payload.EventIDs, "oversize id list arrives stripped")
}

func TestReconnectsAfterSessionLoss(t *testing.T) {
	hub := NewMemoryHub()
	p := newProcess(t, hub)

	p.bridge.Start()
	waitConnected(t, p.bridge)

	hub.BreakAll()
	require.Eventually(t, func() bool { return hub.ConnCount() == 1 },
		time.Second, 2*time.Millisecond, "bridge never re-established the session")
	waitConnected(t, p.bridge)

	p.bridge.Publish(bus.NewAgentsChangedEvent("a-2"))
	got := waitEvent(t, p.events)
	require.Equal(t, "a-2", bus.ParseAgentsChanged(got).AgentIDs[0])
}

func TestEventsDuringOutageDeliverLocally(t *testing.T) {
	hub := NewMemoryHub()
	a := newProcess(t, hub)
	b := newProcess(t, hub)

	a.bridge.Start()
	b.bridge.Start()
	waitConnected(t, a.bridge)
	waitConnected(t, b.bridge)

	hub.SetConnectErr(errors.New("server down"))
	hub.BreakAll()
	require.Eventually(t, func() bool { return !a.bridge.Connected() },
		time.Second, 2*time.Millisecond)

	// Disconnected: local consumers still see the event, remote ones miss
	// it (at-least-once locally, degrade across processes).
	a.bridge.Publish(bus.NewAgentsChangedEvent("a-3"))
	got := waitEvent(t, a.events)
	require.Equal(t, "a-3", bus.ParseAgentsChanged(got).AgentIDs[0])
}

// === Backoff ===

func TestBackoffDoublesToCapThenConnects(t *testing.T) {
	hub := NewMemoryHub()
	hub.SetConnectErr(errors.New("connection refused"))

	b := bus.New()
	clock := newMockClock()
	br := New(Config{Bus: b, Transport: hub, Clock: clock})
	t.Cleanup(br.Stop)

	br.Start()

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		select {
		case got := <-clock.created:
			require.Equal(t, want, got, "attempt %d", i+1)
		case <-time.After(time.Second):
			require.Fail(t, "timed out waiting for retry timer", "attempt %d", i+1)
		}
		if i == len(expected)-1 {
			hub.SetConnectErr(nil)
		}
		clock.Advance(want)
	}

	waitConnected(t, br)
	require.Equal(t, 1, hub.ConnCount())
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	hub := NewMemoryHub()
	hub.SetConnectErr(errors.New("connection refused"))

	b := bus.New()
	clock := newMockClock()
	br := New(Config{Bus: b, Transport: hub, Clock: clock})
	t.Cleanup(br.Stop)

	br.Start()

	// Walk the delay up, then let it connect.
	for _, want := range []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second} {
		select {
		case got := <-clock.created:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			require.Fail(t, "timed out waiting for retry timer")
		}
		if want == 4*time.Second {
			hub.SetConnectErr(nil)
		}
		clock.Advance(want)
	}
	waitConnected(t, br)

	// Drop the session with connects failing again: the first retry delay
	// is back at one second.
	hub.SetConnectErr(errors.New("connection refused"))
	hub.BreakAll()

	select {
	case got := <-clock.created:
		require.Equal(t, 1*time.Second, got, "backoff resets after a successful connect")
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for retry timer")
	}
}
