package watch

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// summaryLine flattens an agent summary into the header line the view
// shows and diffs between refreshes.
func summaryLine(s summaryItem) string {
	last := "never"
	if s.LastEventAt != nil {
		last = s.LastEventAt.Local().Format("15:04:05")
	}
	return fmt.Sprintf("%s · %s · %d events · last %s", s.Name, s.Status, s.EventCount, last)
}

// diffWords renders next with the runs that changed since prev
// highlighted: insertions green, deletions struck through.
func diffWords(prev, next string) string {
	if prev == "" || prev == next {
		return next
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(prev, next, false))

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString(diffDelStyle.Render(d.Text))
		case diffmatchpatch.DiffInsert:
			b.WriteString(diffInsStyle.Render(d.Text))
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
