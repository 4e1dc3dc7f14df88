package browser

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/pmezard/go-difflib/difflib"
)

// Listing renders the snapshot as numbered one-line entries, the form
// consumed by pickers and shown in the CLI. Text is truncated by display
// width so CJK and emoji content does not blow out the column.
func (s *Snapshot) Listing(maxText int) string {
	if maxText <= 0 {
		maxText = 120
	}
	var sb strings.Builder
	for _, el := range s.Elements {
		sb.WriteString(fmt.Sprintf("[%d] <%s", el.Index, el.Tag))
		for _, k := range listedAttrs {
			if v, ok := el.Attrs[k]; ok {
				sb.WriteString(fmt.Sprintf(" %s=%q", k, runewidth.Truncate(v, maxText/2, "…")))
			}
		}
		sb.WriteString(">")
		if el.Text != "" {
			sb.WriteString(" ")
			sb.WriteString(runewidth.Truncate(el.Text, maxText, "…"))
		}
		if el.Scope != "" {
			sb.WriteString(" (" + el.Scope + ")")
		}
		sb.WriteString("\n")
	}
	for _, bd := range s.Boundaries {
		switch bd.Kind {
		case "closed-shadow":
			sb.WriteString(fmt.Sprintf("[-] closed shadow root at %s\n", bd.Scope))
		case "iframe":
			if bd.URL != "" {
				sb.WriteString(fmt.Sprintf("[-] out-of-process iframe at %s: %s\n", bd.Scope, runewidth.Truncate(bd.URL, maxText, "…")))
			} else {
				sb.WriteString(fmt.Sprintf("[-] out-of-process iframe at %s\n", bd.Scope))
			}
		}
	}
	return sb.String()
}

// DiffListings renders a unified diff between two listings, used to show
// what changed on a page between snapshots.
func DiffListings(before, after string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}
