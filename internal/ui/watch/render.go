package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/relay/internal/client"
	"github.com/zjrosen/relay/internal/store"
	"github.com/zjrosen/relay/internal/ui/markdown"
)

// kindBadgeWidth fixes the label column so bodies align across kinds.
const kindBadgeWidth = 7

const bodyIndent = "    "

// eventRenderer turns cached feed entries into the styled blocks the
// viewport shows. Rebuilt on resize so markdown wraps to the new width.
type eventRenderer struct {
	width int
	md    *markdown.Renderer
}

func newEventRenderer(width int) eventRenderer {
	if width < 20 {
		width = 20
	}
	return eventRenderer{width: width, md: markdown.New(width - len(bodyIndent))}
}

// feedContent renders the whole cache window, oldest first, with a hint
// line when entries older than the window exist on the server.
func (r eventRenderer) feedContent(cache *client.Cache[feedItem]) string {
	entries := cache.Entries()
	blocks := make([]string, 0, len(entries)+1)
	if cache.HasMore() {
		blocks = append(blocks, mutedStyle.Render("… older events above this window, press m to load"))
	}
	for _, it := range entries {
		blocks = append(blocks, r.renderItem(it))
	}
	if len(entries) == 0 {
		blocks = append(blocks, mutedStyle.Render("no events yet"))
	}
	return strings.Join(blocks, "\n\n")
}

// renderItem picks a layout per kind: prompts and commits get a markdown
// body block, errors a red wrapped block, status a single line.
func (r eventRenderer) renderItem(it client.Item[feedItem]) string {
	e := it.Value
	head := r.headline(e, it.Optimistic)
	switch e.Kind {
	case store.KindPrompt, store.KindCommit:
		body := strings.TrimRight(r.md.Render(e.Body), "\n")
		if body == "" {
			return head
		}
		return head + "\n" + indentBlock(body)
	case store.KindError:
		body := wordwrap.String(ansi.Strip(e.Body), r.width-len(bodyIndent))
		return head + "\n" + indentBlock(errorBodyStyle.Render(body))
	default:
		summary := collapseSpace(ansi.Strip(e.Body))
		avail := r.width - ansi.StringWidth(head) - 1
		if avail < 8 {
			avail = 8
		}
		return head + " " + truncate.StringWithTail(summary, uint(avail), "…")
	}
}

func (r eventRenderer) headline(e feedItem, optimistic bool) string {
	st, ok := kindStyles[e.Kind]
	if !ok {
		st = mutedStyle
	}
	head := st.Render(runewidth.FillRight(string(e.Kind), kindBadgeWidth))
	head += " " + timeStyle.Render(e.CreatedAt.Local().Format("15:04:05"))
	if e.Seq > 0 {
		head += " " + seqStyle.Render(fmt.Sprintf("#%d", e.Seq))
	}
	if optimistic {
		head += " " + pendingStyle.Render("(pending)")
	}
	return head
}

func indentBlock(s string) string {
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		if ln == "" {
			continue
		}
		lines[i] = bodyIndent + ln
	}
	return strings.Join(lines, "\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
