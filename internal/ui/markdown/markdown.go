// Package markdown renders event bodies as styled terminal markdown.
package markdown

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"
)

// noMarginStyle strips glamour's document margins so rendered bodies sit
// flush inside the feed layout. It inherits from auto (dark/light
// detection) and overrides only the margins.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Renderer turns markdown into terminal output at a fixed wrap width.
// Construction and render failures degrade to plain wrapped text, so a
// feed never loses a body to a markdown edge case.
type Renderer struct {
	inner *glamour.TermRenderer
	width int
}

// New creates a renderer wrapping at width.
func New(width int) *Renderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &Renderer{width: width}
	}
	return &Renderer{inner: r, width: width}
}

// Width returns the configured word wrap width.
func (r *Renderer) Width() int { return r.width }

// Render transforms markdown to styled terminal output. Bodies that fail
// to render come back as plain text wrapped at the renderer's width.
func (r *Renderer) Render(body string) string {
	if r.inner == nil {
		return wordwrap.String(body, r.width)
	}
	out, err := r.inner.Render(body)
	if err != nil {
		return wordwrap.String(body, r.width)
	}
	return strings.TrimRight(out, "\n")
}
