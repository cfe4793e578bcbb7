package watch

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/client"
	"github.com/zjrosen/relay/internal/store"
)

func init() {
	// Pin the color profile so rendered output is identical with and
	// without a TTY.
	lipgloss.SetColorProfile(termenv.Ascii)
}

func evt(seq int64, kind store.EventKind, body string) feedItem {
	return feedItem{
		ID:        "ev-" + string(kind),
		AgentID:   "ag-1",
		Seq:       seq,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestSummaryLine(t *testing.T) {
	last := time.Date(2026, 8, 25, 9, 15, 30, 0, time.UTC)
	s := summaryItem{Name: "builder", Status: store.StatusRunning, EventCount: 12, LastEventAt: &last}

	line := summaryLine(s)
	assert.Contains(t, line, "builder")
	assert.Contains(t, line, "running")
	assert.Contains(t, line, "12 events")

	s.LastEventAt = nil
	assert.Contains(t, summaryLine(s), "last never")
}

func TestDiffWords(t *testing.T) {
	next := "builder · done · 4 events"

	assert.Equal(t, next, diffWords("", next))
	assert.Equal(t, next, diffWords(next, next))

	got := diffWords("builder · running · 3 events", next)
	assert.Contains(t, got, "done")
	assert.Contains(t, got, "4")
	assert.Contains(t, got, "builder")
}

func TestRenderItem_StatusStaysSingleLine(t *testing.T) {
	r := newEventRenderer(80)
	got := r.renderItem(client.Item[feedItem]{Value: evt(3, store.KindStatus, "running tests\nacross   two lines")})

	assert.NotContains(t, got, "\n")
	assert.Contains(t, got, "running tests across two lines")
	assert.Contains(t, got, "#3")
}

func TestRenderItem_StatusTruncatesLongBodies(t *testing.T) {
	r := newEventRenderer(40)
	got := r.renderItem(client.Item[feedItem]{Value: evt(1, store.KindStatus, strings.Repeat("x", 200))})

	assert.NotContains(t, got, "\n")
	assert.Contains(t, got, "…")
}

func TestRenderItem_ErrorStripsEscapeSequences(t *testing.T) {
	r := newEventRenderer(80)
	got := r.renderItem(client.Item[feedItem]{Value: evt(4, store.KindError, "\x1b[31mFAIL\x1b[0m relay_test.go:12 timeout")})

	assert.Contains(t, got, "FAIL")
	assert.Contains(t, got, "timeout")
	assert.NotContains(t, got, "\x1b[31m")
}

func TestRenderItem_PromptRendersBodyBlock(t *testing.T) {
	r := newEventRenderer(80)
	got := r.renderItem(client.Item[feedItem]{Value: evt(1, store.KindPrompt, "Fix the flaky websocket test\n\n- reproduce with `-race`")})

	assert.Contains(t, got, "prompt")
	assert.Contains(t, got, "reproduce")
	require.True(t, strings.Contains(got, "\n"), "prompt bodies render as a block under the headline")
}

func TestRenderItem_OptimisticMarker(t *testing.T) {
	r := newEventRenderer(80)
	item := evt(0, store.KindStatus, "queued locally")
	got := r.renderItem(client.Item[feedItem]{Value: item, Optimistic: true})

	assert.Contains(t, got, "(pending)")
	assert.NotContains(t, got, "#0")
}

func TestFeedContent_HasMoreHint(t *testing.T) {
	r := newEventRenderer(80)

	cache := client.NewCache[feedItem]()
	cache.ApplySnapshot([]feedItem{evt(5, store.KindStatus, "a"), evt(6, store.KindStatus, "b")}, true, 1)
	assert.Contains(t, r.feedContent(cache), "older events above")

	cache.ApplySnapshot([]feedItem{evt(5, store.KindStatus, "a")}, false, 2)
	assert.NotContains(t, r.feedContent(cache), "older events above")
}

func TestFeedContent_Empty(t *testing.T) {
	r := newEventRenderer(80)
	assert.Contains(t, r.feedContent(client.NewCache[feedItem]()), "no events yet")
}

func TestLogTail_CapsScrollback(t *testing.T) {
	tail := &logTail{}
	for i := 0; i < tailLines+50; i++ {
		tail.append("2026-08-25T10:00:00 [DEBUG] [conn] line")
	}
	assert.Len(t, tail.lines, tailLines)
}

func TestLogTail_ViewPadsAndShowsNewest(t *testing.T) {
	tail := &logTail{}
	tail.append("first [WARN] old")
	tail.append("second [ERROR] new")

	got := tail.view(80, 4)
	rows := strings.Split(got, "\n")
	require.Len(t, rows, 4)
	assert.Contains(t, rows[0], "first")
	assert.Contains(t, rows[1], "second")
	assert.Equal(t, "", rows[3])

	one := tail.view(80, 1)
	assert.Contains(t, one, "second")
	assert.NotContains(t, one, "first")
}
