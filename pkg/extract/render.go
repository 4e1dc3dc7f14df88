package extract

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Lines shorter than this after trimming are layout artifacts (stray
// bullets, separator glyphs) rather than content.
const minLineRunes = 3

// blockTags force a line break on both sides of the element's text.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"div": true, "dl": true, "dd": true, "dt": true, "fieldset": true,
	"figure": true, "figcaption": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"tr": true, "ul": true,
}

// skipTags never contribute text even when they survive the noise sweep.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"iframe": true, "object": true, "embed": true, "svg": true,
	"canvas": true, "head": true, "title": true,
}

// textWriter renders an HTML subtree as line-structured text. Block
// elements open and close lines, list items get a bullet, and everything
// else flows inline with single-space separation.
type textWriter struct {
	sb           strings.Builder
	midLine      bool
	includeLinks bool
	base         *url.URL
}

func (w *textWriter) String() string { return w.sb.String() }

func (w *textWriter) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return
	}
	if w.midLine {
		w.sb.WriteByte(' ')
	}
	w.sb.WriteString(strings.Join(fields, " "))
	w.midLine = true
}

func (w *textWriter) breakLine() {
	if w.midLine {
		w.sb.WriteByte('\n')
		w.midLine = false
	}
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode, html.DocumentNode:
	default:
		return
	}

	tag := ""
	if n.Type == html.ElementNode {
		tag = strings.ToLower(n.Data)
		if skipTags[tag] {
			return
		}
		switch tag {
		case "br":
			w.breakLine()
			return
		case "a":
			if w.includeLinks {
				w.anchor(n)
				return
			}
		}
		if blockTags[tag] {
			w.breakLine()
		}
		if tag == "li" {
			w.sb.WriteString("-")
			w.midLine = true
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if blockTags[tag] {
		w.breakLine()
	}
}

// anchor renders the link text followed by its resolved destination, so
// the target survives once the markup is thrown away.
func (w *textWriter) anchor(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	href := resolveHref(strings.TrimSpace(nodeAttr(n, "href")), w.base)
	if href != "" {
		w.text("(" + href + ")")
	}
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// tidy normalizes rendered text: NFC composition, per-line whitespace
// collapse, and removal of artifact lines too short to carry content.
func tidy(raw string, maxChars int) (string, bool) {
	raw = norm.NFC.String(raw)
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if utf8.RuneCountInString(line) < minLineRunes {
			continue
		}
		lines = append(lines, line)
	}
	out := strings.Join(lines, "\n")
	if maxChars > 0 && len(out) > maxChars {
		return truncateRunes(out, maxChars), true
	}
	return out, false
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	for max > 0 && max < len(s) && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
