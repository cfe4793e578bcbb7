// Package bridge extends the in-process event bus across process
// boundaries. Each process holds one persistent notify session on a
// shared channel; published events round-trip through the server so every
// process, the publisher included, observes them the same way. When the
// session is down the bridge degrades to local-only delivery instead of
// losing events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/tracing"
)

const (
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = 1 * time.Second
	// DefaultMaxBackoff caps the doubling reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultMaxPayloadBytes mirrors the Postgres notify payload limit.
	// Envelopes at or over this size are re-sent with ids stripped.
	DefaultMaxPayloadBytes = 8000
	// DefaultSendBuffer is how many outbound envelopes may queue before
	// Publish degrades to local delivery.
	DefaultSendBuffer = 256
)

var errMissingEventType = errors.New("notify payload without event type")

// Config holds configuration for creating a Bridge.
type Config struct {
	// Bus receives every event the bridge observes, remote and local.
	// Required.
	Bus *bus.Bus
	// Transport establishes notify sessions. Required.
	Transport Transport
	// InitialBackoff is the first reconnect delay. Defaults to 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Defaults to 30s.
	MaxBackoff time.Duration
	// MaxPayloadBytes is the notify payload limit. Defaults to 8000.
	MaxPayloadBytes int
	// SendBuffer sizes the outbound queue. Defaults to 256.
	SendBuffer int
	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock
}

// Bridge owns the process's notify session. It satisfies bus.Publisher:
// while connected, Publish routes through the notify channel and the
// local process sees the event only when it arrives back; while
// disconnected (including before Start), Publish delivers straight to the
// local bus.
type Bridge struct {
	bus             *bus.Bus
	transport       Transport
	clock           Clock
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxPayloadBytes int

	sends chan string
	wake  chan struct{}

	// mu protects conn, connected, reconnecting, backoff, started,
	// stopped.
	mu           sync.Mutex
	conn         Conn
	connected    bool
	reconnecting bool
	backoff      time.Duration
	started      bool
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge. Call Start to bring the notify session up; until
// then every Publish delivers locally.
func New(cfg Config) *Bridge {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maxB := cfg.MaxBackoff
	if maxB <= 0 {
		maxB = DefaultMaxBackoff
	}
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		bus:             cfg.Bus,
		transport:       cfg.Transport,
		clock:           clock,
		initialBackoff:  initial,
		maxBackoff:      maxB,
		maxPayloadBytes: maxPayload,
		sends:           make(chan string, buffer),
		wake:            make(chan struct{}, 1),
		backoff:         initial,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start brings up the notify session, retrying forever with backoff.
// Safe to call once; later calls are no-ops.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.reconnect()
}

// Stop tears the session down and stops reconnecting. Events published
// after Stop deliver locally.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	conn := b.conn
	b.conn = nil
	b.connected = false
	b.mu.Unlock()

	b.cancel()
	if conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
	}
	b.wg.Wait()
}

// Connected reports whether the notify session is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish implements bus.Publisher. While connected the event is
// serialized and sent through the notify channel; the local bus sees it
// when it round-trips back. While disconnected, or if the queue is full,
// the event goes straight to the local bus so in-process consumers never
// miss it.
func (b *Bridge) Publish(event bus.Event) {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()

	if !connected {
		log.Debug(log.CatBridge, "not connected, delivering locally", "event", event.Type)
		b.bus.Publish(event)
		return
	}

	_, span := tracing.Start(context.Background(), tracing.SpanBridgePublish,
		attribute.String(tracing.AttrEventType, event.Type))
	defer tracing.End(span, nil)

	payload, err := json.Marshal(event)
	if err != nil {
		log.ErrorErr(log.CatBridge, "marshaling notify envelope", err, "event", event.Type)
		b.bus.Publish(event)
		return
	}
	if len(payload) >= b.maxPayloadBytes {
		log.Warn(log.CatBridge, "payload exceeds notify limit, stripping ids",
			"event", event.Type, "bytes", len(payload))
		stripped, err := json.Marshal(bus.StripIDs(event))
		if err != nil {
			b.bus.Publish(event)
			return
		}
		payload = stripped
	}

	select {
	case b.sends <- string(payload):
		b.wakeLoop()
	default:
		log.Warn(log.CatBridge, "send queue full, delivering locally", "event", event.Type)
		b.bus.Publish(event)
	}
}

func (b *Bridge) wakeLoop() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// reconnect spawns a single connect loop. The reconnecting flag prevents
// overlapping loops when several failures land at once.
func (b *Bridge) reconnect() {
	b.mu.Lock()
	if b.reconnecting || b.stopped {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.mu.Unlock()

	b.wg.Add(1)
	log.SafeGo("bridge.connectLoop", func() {
		defer b.wg.Done()
		b.connectLoop()
	})
}

// connectLoop tries to establish the session, doubling the delay between
// attempts up to the cap, until success or shutdown.
func (b *Bridge) connectLoop() {
	for {
		if b.ctx.Err() != nil {
			b.clearReconnecting()
			return
		}

		conn, err := b.transport.Connect(b.ctx)
		if err == nil {
			b.mu.Lock()
			if b.stopped {
				b.mu.Unlock()
				closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = conn.Close(closeCtx)
				cancel()
				return
			}
			b.conn = conn
			b.connected = true
			b.reconnecting = false
			b.backoff = b.initialBackoff
			b.mu.Unlock()

			log.Info(log.CatBridge, "notify session established")
			b.wg.Add(1)
			log.SafeGo("bridge.serve", func() {
				defer b.wg.Done()
				b.serve(conn)
			})
			return
		}

		b.mu.Lock()
		delay := b.backoff
		b.backoff = min(b.backoff*2, b.maxBackoff)
		b.mu.Unlock()

		log.Warn(log.CatBridge, "connect failed, retrying", "error", err, "delay", delay)
		if !b.sleep(delay) {
			b.clearReconnecting()
			return
		}
	}
}

func (b *Bridge) clearReconnecting() {
	b.mu.Lock()
	b.reconnecting = false
	b.mu.Unlock()
}

// serve drains queued sends and waits for notifications until the session
// fails or the bridge stops. On failure it tears the session down, flushes
// pending sends to the local bus, and schedules a reconnect.
func (b *Bridge) serve(conn Conn) {
	for {
		if err := b.drainSends(conn); err != nil {
			b.teardown(conn, err)
			return
		}

		payload, err, woken := b.waitNotification(conn)
		switch {
		case woken:
			// A send arrived; loop back to drain.
		case err == nil:
			b.republish(payload)
		default:
			b.teardown(conn, err)
			return
		}
	}
}

// drainSends flushes every queued envelope through the session. A failed
// notify delivers that event locally and reports the session broken.
func (b *Bridge) drainSends(conn Conn) error {
	for {
		select {
		case payload := <-b.sends:
			if err := conn.Notify(b.ctx, payload); err != nil {
				log.ErrorErr(log.CatBridge, "notify failed, delivering locally", err)
				b.republish(payload)
				return err
			}
		case <-b.ctx.Done():
			return b.ctx.Err()
		default:
			return nil
		}
	}
}

// waitNotification blocks on the session until a payload arrives, a send
// wakes the wait, or the session fails. woken reports the send case.
func (b *Bridge) waitNotification(conn Conn) (payload string, err error, woken bool) {
	waitCtx, cancelWait := context.WithCancel(b.ctx)
	defer cancelWait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-b.wake:
			cancelWait()
		case <-stop:
		}
	}()

	payload, err = conn.WaitForNotification(waitCtx)
	if err != nil && waitCtx.Err() != nil && b.ctx.Err() == nil {
		return "", nil, true
	}
	return payload, err, false
}

// teardown closes the failed session and schedules a reconnect. Anything
// still queued was accepted while connected, so it flushes to the local
// bus rather than being dropped.
func (b *Bridge) teardown(conn Conn, cause error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.connected = false
	stopped := b.stopped
	b.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = conn.Close(closeCtx)
	cancel()

	drained := false
	for !drained {
		select {
		case payload := <-b.sends:
			b.republish(payload)
		default:
			drained = true
		}
	}

	if stopped || b.ctx.Err() != nil {
		return
	}
	log.Warn(log.CatBridge, "notify session lost, reconnecting", "error", cause)
	b.reconnect()
}

// republish decodes an envelope and delivers it on the local bus.
// Malformed payloads are logged and dropped; they never kill the session.
func (b *Bridge) republish(payload string) {
	_, span := tracing.Start(context.Background(), tracing.SpanBridgeReceive)

	var event bus.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Warn(log.CatBridge, "dropping malformed notify payload", "error", err, "bytes", len(payload))
		tracing.End(span, err)
		return
	}
	if event.Type == "" {
		log.Warn(log.CatBridge, "dropping notify payload without event type")
		tracing.End(span, errMissingEventType)
		return
	}
	span.SetAttributes(attribute.String(tracing.AttrEventType, event.Type))
	b.bus.Publish(event)
	tracing.End(span, nil)
}

func (b *Bridge) sleep(d time.Duration) bool {
	t := b.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-b.ctx.Done():
		return false
	}
}
