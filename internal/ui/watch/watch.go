// Package watch is the live feed TUI for a single agent. It opens the
// agent's event feed plus the agents channel over a relay client and
// keeps a viewport following the tail, with summary changes highlighted
// as they reconcile and an optional log pane for debugging.
package watch

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/relay/internal/channels"
	"github.com/zjrosen/relay/internal/client"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/wire"
)

// Config wires a watch model to a started client.
type Config struct {
	Client  *client.Client
	AgentID string
	// Limit is the feed window size. Zero means client.DefaultPageSize.
	Limit int
	// Debug enables the ctrl+x log pane.
	Debug bool
}

type keyMap struct {
	Quit   key.Binding
	Older  key.Binding
	Top    key.Binding
	Bottom key.Binding
	Logs   key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c")),
		Older:  key.NewBinding(key.WithKeys("m")),
		Top:    key.NewBinding(key.WithKeys("g")),
		Bottom: key.NewBinding(key.WithKeys("G")),
		Logs:   key.NewBinding(key.WithKeys("ctrl+x")),
	}
}

// Model is the Bubble Tea model for one watch session.
type Model struct {
	cfg    Config
	keys   keyMap
	cancel context.CancelFunc

	feed    *client.Feed[feedItem]
	agents  *client.Multiplexer[summaryItem]
	release func()

	changes *pubsub.ContinuousListener[client.Change]
	logs    *log.LogListener
	tail    *logTail

	viewport viewport.Model
	renderer eventRenderer

	width   int
	height  int
	ready   bool
	showLog bool

	summary     summaryItem
	haveSummary bool
	summaryText string
}

// New subscribes the agent's feed and the agents channel. Subscriptions
// registered before the transport connects are replayed on connect, so
// New is safe to call right after the client starts.
func New(cfg Config) (*Model, error) {
	limit := cfg.Limit
	if limit <= 0 {
		limit = client.DefaultPageSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	// Subscribe both listeners before opening the feed so the first
	// snapshot's notification cannot be missed.
	changes := pubsub.NewContinuousListener(ctx, cfg.Client.Changes())
	logs := log.NewListener(ctx)

	feed := client.NewFeed[feedItem](cfg.Client, channels.AgentEvents, wire.Params{
		"agentId": cfg.AgentID,
		"limit":   limit,
	})
	agents := client.NewMultiplexer[summaryItem](cfg.Client, channels.Agents)
	release := agents.Acquire(cfg.AgentID)

	if err := feed.Open(); err != nil {
		release()
		cancel()
		return nil, fmt.Errorf("open feed: %w", err)
	}

	return &Model{
		cfg:     cfg,
		keys:    newKeyMap(),
		cancel:  cancel,
		feed:    feed,
		agents:  agents,
		release: release,
		changes: changes,
		logs:    logs,
		tail:    &logTail{},
	}, nil
}

// Close releases the subscriptions. Call after the program exits.
func (m *Model) Close() {
	m.cancel()
	if m.release != nil {
		m.release()
	}
	m.feed.Close()
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.changes.Listen()}
	if m.logs != nil {
		cmds = append(cmds, m.logs.Listen())
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.renderer = newEventRenderer(msg.Width)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.viewportHeight())
			m.ready = true
		} else {
			m.layoutViewport()
		}
		m.refreshSummary()
		m.refreshFeed()
		return m, nil

	case pubsub.Event[client.Change]:
		m.applyChange(msg)
		return m, m.changes.Listen()

	case log.LogEvent:
		m.tail.append(msg.Payload)
		if m.logs == nil {
			return m, nil
		}
		return m, m.logs.Listen()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Older):
		m.feed.LoadMore()
		return m, nil
	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil
	case key.Matches(msg, m.keys.Logs):
		if m.cfg.Debug {
			m.showLog = !m.showLog
			m.layoutViewport()
			log.Debug(log.CatUI, "log pane toggled", "visible", m.showLog)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// applyChange refreshes whichever pane the cache change touches. A reset
// means the transport reconnected and both caches were rebuilt.
func (m *Model) applyChange(ev pubsub.Event[client.Change]) {
	switch {
	case ev.Type == pubsub.ResetEvent:
		m.refreshSummary()
		m.refreshFeed()
	case ev.Payload.Channel == channels.Agents:
		m.refreshSummary()
	case ev.Payload.Channel == channels.AgentEvents && ev.Payload.Params["agentId"] == m.cfg.AgentID:
		m.refreshFeed()
	}
}

// refreshFeed repaints the viewport from the cache, keeping the tail in
// view when it was in view before.
func (m *Model) refreshFeed() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderer.feedContent(m.feed.Cache()))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// refreshSummary pulls the watched agent out of the agents cache and
// rebuilds the header line, word-diffed against the previous one so the
// changed part stands out.
func (m *Model) refreshSummary() {
	for _, it := range m.agents.Cache().Items() {
		if it.ID != m.cfg.AgentID {
			continue
		}
		next := summaryLine(it)
		if !m.haveSummary {
			m.summaryText = next
		} else if prev := summaryLine(m.summary); prev != next {
			m.summaryText = diffWords(prev, next)
		}
		m.summary = it
		m.haveSummary = true
		return
	}
}

func (m *Model) layoutViewport() {
	if !m.ready {
		return
	}
	m.viewport.Width = m.width
	m.viewport.Height = m.viewportHeight()
}

// viewportHeight is the terminal height minus the fixed chrome: two
// header lines, two dividers, the footer, and the log pane when open.
func (m Model) viewportHeight() int {
	h := m.height - 5
	if m.showLog {
		h -= tailHeight + 1
	}
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) View() string {
	if !m.ready {
		return "loading…"
	}
	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.dividerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.dividerView())
	b.WriteString("\n")
	b.WriteString(m.footerView())
	if m.showLog {
		b.WriteString("\n")
		b.WriteString(m.dividerView())
		b.WriteString("\n")
		b.WriteString(m.tail.view(m.width, tailHeight))
	}
	return b.String()
}

func (m Model) headerView() string {
	title := titleStyle.Render("relay watch") + "  " + agentStyle.Render(m.cfg.AgentID)
	if m.haveSummary {
		title += "  " + statusBadge(m.summary.Status)
	}
	line := m.summaryText
	if line == "" {
		line = mutedStyle.Render("waiting for agent summary")
	}
	return ansi.Truncate(title, m.width, "…") + "\n" + ansi.Truncate(line, m.width, "…")
}

func (m Model) dividerView() string {
	w := m.width
	if w < 1 {
		w = 1
	}
	return dividerStyle.Render(strings.Repeat("─", w))
}

func (m Model) footerView() string {
	keys := "q quit · m older · g/G top/bottom"
	if m.cfg.Debug {
		keys += " · ctrl+x logs"
	}
	help := helpStyle.Render(keys)

	cache := m.feed.Cache()
	var status string
	switch {
	case m.feed.Loading():
		status = mutedStyle.Render("loading older…")
	case cache.HasMore():
		status = mutedStyle.Render(fmt.Sprintf("%d in window · older available", cache.Len()))
	default:
		status = mutedStyle.Render(fmt.Sprintf("%d in window", cache.Len()))
	}
	if n := cache.OptimisticCount(); n > 0 {
		status = pendingStyle.Render(fmt.Sprintf("%d pending", n)) + "  " + status
	}

	gap := m.width - ansi.StringWidth(help) - ansi.StringWidth(status)
	if gap < 1 {
		return ansi.Truncate(help+" "+status, m.width, "…")
	}
	return help + strings.Repeat(" ", gap) + status
}
