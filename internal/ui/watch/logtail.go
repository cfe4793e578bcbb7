package watch

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// tailHeight is the number of rows the log pane occupies when open.
const tailHeight = 10

// tailLines caps the scrollback kept for the pane.
const tailLines = 200

// logTail buffers the most recent debug log lines for the ctrl+x pane.
type logTail struct {
	lines []string
}

func (t *logTail) append(line string) {
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

// view renders the newest lines that fit, colorized by severity tag and
// truncated to width. Short buffers are padded so the pane height is
// stable.
func (t *logTail) view(width, height int) string {
	if height <= 0 {
		return ""
	}
	start := 0
	if len(t.lines) > height {
		start = len(t.lines) - height
	}
	rows := make([]string, 0, height)
	for _, ln := range t.lines[start:] {
		rows = append(rows, colorizeLogLine(ansi.Truncate(ln, width, "…")))
	}
	for len(rows) < height {
		rows = append(rows, "")
	}
	return strings.Join(rows, "\n")
}

func colorizeLogLine(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return errLogStyle.Render(line)
	case strings.Contains(line, "[WARN]"):
		return warnLogStyle.Render(line)
	case strings.Contains(line, "[DEBUG]"):
		return mutedStyle.Render(line)
	default:
		return line
	}
}
