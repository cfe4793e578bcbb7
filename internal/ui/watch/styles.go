package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/relay/internal/store"
)

// Palette for the watch view.
var (
	mutedColor   = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#696969"}
	successColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warningColor = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	errorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	accentColor  = lipgloss.AdaptiveColor{Light: "#1E66F5", Dark: "#89B4FA"}
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	agentStyle   = lipgloss.NewStyle().Foreground(accentColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	dividerStyle = lipgloss.NewStyle().Foreground(mutedColor)
	timeStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	seqStyle     = lipgloss.NewStyle().Foreground(mutedColor)

	// pendingStyle marks optimistic entries awaiting confirmation.
	pendingStyle   = lipgloss.NewStyle().Foreground(warningColor).Italic(true)
	errorBodyStyle = lipgloss.NewStyle().Foreground(errorColor)

	diffInsStyle = lipgloss.NewStyle().Foreground(successColor)
	diffDelStyle = lipgloss.NewStyle().Foreground(errorColor).Strikethrough(true)

	errLogStyle  = lipgloss.NewStyle().Foreground(errorColor)
	warnLogStyle = lipgloss.NewStyle().Foreground(warningColor)
)

var statusStyles = map[store.AgentStatus]lipgloss.Style{
	store.StatusRunning: lipgloss.NewStyle().Foreground(successColor).Bold(true),
	store.StatusWaiting: lipgloss.NewStyle().Foreground(warningColor).Bold(true),
	store.StatusPending: lipgloss.NewStyle().Foreground(mutedColor).Bold(true),
	store.StatusDone:    lipgloss.NewStyle().Foreground(mutedColor).Bold(true),
	store.StatusFailed:  lipgloss.NewStyle().Foreground(errorColor).Bold(true),
}

var kindStyles = map[store.EventKind]lipgloss.Style{
	store.KindPrompt: lipgloss.NewStyle().Foreground(accentColor).Bold(true),
	store.KindCommit: lipgloss.NewStyle().Foreground(successColor).Bold(true),
	store.KindStatus: lipgloss.NewStyle().Foreground(mutedColor),
	store.KindError:  lipgloss.NewStyle().Foreground(errorColor).Bold(true),
}

func statusBadge(s store.AgentStatus) string {
	st, ok := statusStyles[s]
	if !ok {
		st = mutedStyle
	}
	return st.Render("● " + string(s))
}
