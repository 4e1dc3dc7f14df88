// Package extract turns raw page markup into text an agent can read.
// Scripts, styles and other non-content subtrees are stripped, block
// structure becomes line structure, and the result is NFC-normalized
// with collapsed whitespace.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

const defaultMaxLinks = 20

// noiseSelector matches subtrees that never contribute readable content.
const noiseSelector = "script, style, noscript, template, iframe, object, embed, svg, canvas"

// Options control extraction.
type Options struct {
	// Selector narrows extraction to the first matching subtree. Empty
	// extracts the whole body.
	Selector string

	// IncludeLinks renders anchors inline as "text (url)" instead of
	// bare text.
	IncludeLinks bool

	// MaxChars truncates Text to at most this many bytes, cut at a rune
	// boundary. Zero means unlimited.
	MaxChars int

	// MaxLinks caps the collected link list. Zero means 20.
	MaxLinks int

	// BaseURL resolves relative hrefs. Empty leaves them as written.
	BaseURL string
}

// Link is one anchor collected from the page.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Result carries the extracted text plus the reduction stats callers log.
type Result struct {
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Links     []Link `json:"links,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	HTMLChars int    `json:"htmlChars"`
	TextChars int    `json:"textChars"`
}

// Text extracts readable text from rawHTML.
func Text(rawHTML string, opts Options) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "parse html")
	}
	doc.Find(noiseSelector).Remove()

	var base *url.URL
	if opts.BaseURL != "" {
		base, err = url.Parse(opts.BaseURL)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "parse base url")
		}
	}

	scope := doc.Find("body")
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	if sel := strings.TrimSpace(opts.Selector); sel != "" {
		scope = doc.Find(sel).First()
		if scope.Length() == 0 {
			return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "selector %q matched nothing", sel)
		}
	}

	w := textWriter{includeLinks: opts.IncludeLinks, base: base}
	for _, n := range scope.Nodes {
		w.walk(n)
	}
	text, truncated := tidy(w.String(), opts.MaxChars)

	maxLinks := opts.MaxLinks
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}

	return &Result{
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		Text:      text,
		Links:     collectLinks(doc, base, maxLinks),
		Truncated: truncated,
		HTMLChars: len(rawHTML),
		TextChars: len(text),
	}, nil
}

// collectLinks gathers deduplicated anchors from the whole document, with
// relative hrefs resolved against base. Fragment-only and javascript:
// pseudo-links are skipped.
func collectLinks(doc *goquery.Document, base *url.URL, limit int) []Link {
	var links []Link
	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(links) >= limit {
			return false
		}
		href := resolveHref(strings.TrimSpace(s.AttrOr("href", "")), base)
		if href == "" {
			return true
		}
		if seen[href] {
			return true
		}
		seen[href] = true
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			text = href
		}
		links = append(links, Link{Text: text, URL: href})
		return true
	})
	return links
}

// resolveHref returns the absolute destination of href, or "" when the
// href carries no destination worth following.
func resolveHref(href string, base *url.URL) string {
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	if base == nil {
		return href
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	return u.String()
}
