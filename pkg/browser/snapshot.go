package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/target"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// Snapshot walks the page's rendered DOM, numbers every interactable
// element and installs the result as the target's next index generation.
// Concurrent calls for the same target share one build.
func (b *Browser) Snapshot(ctx context.Context, id target.ID) (*Snapshot, error) {
	t, err := b.resolveTarget(id)
	if err != nil {
		return nil, err
	}

	v, err, _ := b.snapGroup.Do(string(t.id), func() (any, error) {
		// A navigation racing the build moves the generation; start
		// over rather than publish indices for a vanished document.
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			snap, err := b.buildSnapshot(ctx, t)
			if err == nil {
				return snap, nil
			}
			lastErr = err
			if !apperrors.IsRetryable(err) || ctx.Err() != nil {
				return nil, err
			}
		}
		return nil, lastErr
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// LastSnapshot returns the most recent snapshot of the target, if its
// generation is still live.
func (b *Browser) LastSnapshot(id target.ID) (*Snapshot, error) {
	t, err := b.resolveTarget(id)
	if err != nil {
		return nil, err
	}
	snap := t.index.lastSnapshot()
	if snap == nil {
		return nil, invalidOp("no live snapshot for target %s", t.id)
	}
	return snap, nil
}

func (b *Browser) buildSnapshot(ctx context.Context, t *tab) (*Snapshot, error) {
	_, session, err := b.sess(ctx, t.id)
	if err != nil {
		return nil, err
	}

	gen := t.index.nextGeneration()
	started := time.Now()

	var doc dom.GetDocumentReturns
	err = b.client.Call(ctx, string(session), "DOM.getDocument",
		&dom.GetDocumentParams{Depth: -1, Pierce: true}, &doc)
	if err != nil {
		return nil, err
	}
	if doc.Root == nil {
		return nil, apperrors.New(apperrors.ErrCodeProtocol, "document has no root node")
	}

	geo, haveGeo := b.captureGeometry(ctx, session)

	w := &walker{
		maxText: b.cfg.Snapshot.MaxTextLength,
		geo:     geo,
		haveGeo: haveGeo,
		entries: make(map[int]indexEntry),
	}
	w.walk(doc.Root, "")

	b.mu.Lock()
	url, title := t.url, t.title
	b.mu.Unlock()

	snap := &Snapshot{
		TargetID:   t.id,
		Generation: gen,
		URL:        url,
		Title:      title,
		Elements:   w.elements,
		Boundaries: w.boundaries,
		TakenAt:    started,
	}
	if !t.index.install(snap, w.entries) {
		return nil, apperrors.New(apperrors.ErrCodeProtocol, "page navigated while snapshot was being built").
			WithRetryable(true)
	}

	b.logger.Info(logging.CategoryIndex, "snapshot", "indexed page elements", map[string]any{
		"targetId":   string(t.id),
		"generation": gen,
		"elements":   len(w.elements),
		"boundaries": len(w.boundaries),
		"tookMs":     time.Since(started).Milliseconds(),
	})
	metricSnapshots.Inc()
	metricSnapshotElements.Observe(float64(len(w.elements)))
	return snap, nil
}

// captureGeometry fetches layout boxes for the whole page in one call. The
// result maps protocol node ids to document-space boxes; a failure degrades
// the snapshot to structure-only indexing rather than failing it.
func (b *Browser) captureGeometry(ctx context.Context, session target.SessionID) (map[cdp.BackendNodeID]Rect, bool) {
	var res domsnapshot.CaptureSnapshotReturns
	err := b.client.Call(ctx, string(session), "DOMSnapshot.captureSnapshot",
		&domsnapshot.CaptureSnapshotParams{ComputedStyles: []string{}, IncludeDOMRects: true}, &res)
	if err != nil {
		b.logger.Warn(logging.CategoryIndex, "geometry_unavailable", "layout snapshot failed", map[string]any{
			"error": err.Error(),
		})
		return nil, false
	}
	return mergeGeometry(res.Documents), true
}

// mergeGeometry folds per-document layout tables into one box per node.
// Inline elements fragment into several boxes; the largest one wins.
func mergeGeometry(documents []*domsnapshot.DocumentSnapshot) map[cdp.BackendNodeID]Rect {
	geo := make(map[cdp.BackendNodeID]Rect)
	for _, docSnap := range documents {
		if docSnap == nil || docSnap.Nodes == nil || docSnap.Layout == nil {
			continue
		}
		nodes := docSnap.Nodes
		layout := docSnap.Layout
		for i, nodeIdx := range layout.NodeIndex {
			if i >= len(layout.Bounds) {
				break
			}
			box := layout.Bounds[i]
			if len(box) < 4 {
				continue
			}
			if nodeIdx < 0 || int(nodeIdx) >= len(nodes.BackendNodeID) {
				continue
			}
			id := nodes.BackendNodeID[nodeIdx]
			r := Rect{X: box[0], Y: box[1], Width: box[2], Height: box[3]}
			if prev, ok := geo[id]; !ok || r.Width*r.Height > prev.Width*prev.Height {
				geo[id] = r
			}
		}
	}
	return geo
}

// walker assigns indices in document order while flattening open shadow
// roots and same-document iframes into one sequence.
type walker struct {
	maxText    int
	geo        map[cdp.BackendNodeID]Rect
	haveGeo    bool
	elements   []Element
	boundaries []Boundary
	entries    map[int]indexEntry
	next       int
	iframeSeq  int
}

// skipTags are subtrees that never contain anything a pointer can use.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "meta": true, "link": true, "title": true,
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true,
	"textarea": true, "summary": true, "label": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true,
	"tab": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "option": true, "combobox": true,
	"switch": true, "slider": true, "searchbox": true, "textbox": true,
	"spinbutton": true,
}

// listedAttrs are the attributes worth echoing into listings, in display
// order.
var listedAttrs = []string{
	"id", "name", "type", "role", "href", "placeholder", "value",
	"aria-label", "title", "alt", "for",
}

func (w *walker) walk(n *cdp.Node, scope string) {
	if n == nil {
		return
	}

	switch n.NodeType {
	case cdp.NodeTypeDocument, cdp.NodeTypeDocumentFragment:
		for _, child := range n.Children {
			w.walk(child, scope)
		}
		return
	case cdp.NodeTypeElement:
	default:
		return
	}

	tag := strings.ToLower(n.NodeName)
	if skipTags[tag] {
		return
	}

	attrs := attrMap(n.Attributes)

	if w.indexable(n, tag, attrs) {
		w.next++
		idx := w.next
		el := Element{
			Index: idx,
			Tag:   tag,
			Text:  collectText(n, w.maxText*4),
			Attrs: displayAttrs(attrs),
			Scope: scope,
		}
		el.backendID = n.BackendNodeID
		if r, ok := w.geo[n.BackendNodeID]; ok {
			box := r
			el.Bounds = &box
		}
		w.elements = append(w.elements, el)
		w.entries[idx] = indexEntry{backendID: n.BackendNodeID, tag: tag, scope: scope}
	}

	for _, shadow := range n.ShadowRoots {
		if shadow.ShadowRootType == cdp.ShadowRootTypeClosed {
			w.boundaries = append(w.boundaries, Boundary{
				Kind:  "closed-shadow",
				Scope: joinScope(scope, describeHost(tag, attrs)),
			})
			continue
		}
		w.walk(shadow, joinScope(scope, describeHost(tag, attrs)+" > shadow"))
	}

	if tag == "iframe" {
		if n.ContentDocument != nil {
			w.iframeSeq++
			w.walk(n.ContentDocument, joinScope(scope, fmt.Sprintf("iframe[%d]", w.iframeSeq)))
		} else {
			w.boundaries = append(w.boundaries, Boundary{
				Kind:  "iframe",
				Scope: joinScope(scope, describeHost(tag, attrs)),
				URL:   attrs["src"],
			})
		}
		return
	}

	for _, child := range n.Children {
		w.walk(child, scope)
	}
}

// indexable decides whether an element gets a number. Elements the layout
// engine did not render are excluded when geometry is available.
func (w *walker) indexable(n *cdp.Node, tag string, attrs map[string]string) bool {
	if !isInteractive(tag, attrs) {
		return false
	}
	if w.haveGeo {
		r, rendered := w.geo[n.BackendNodeID]
		if !rendered || r.Width <= 0 || r.Height <= 0 {
			return false
		}
	}
	return true
}

func isInteractive(tag string, attrs map[string]string) bool {
	if tag == "input" && attrs["type"] == "hidden" {
		return false
	}
	if interactiveTags[tag] {
		return true
	}
	if _, ok := attrs["onclick"]; ok {
		return true
	}
	if interactiveRoles[attrs["role"]] {
		return true
	}
	if v, ok := attrs["contenteditable"]; ok && v != "false" {
		return true
	}
	if ti, ok := attrs["tabindex"]; ok && ti != "-1" {
		return true
	}
	return false
}

// attrMap folds the protocol's flat name/value pair list into a map.
func attrMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[strings.ToLower(pairs[i])] = pairs[i+1]
	}
	return m
}

func displayAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, k := range listedAttrs {
		if v, ok := attrs[k]; ok && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// collectText gathers the visible text under n, stopping at nested
// interactable elements so a container's text does not swallow its
// children's labels.
func collectText(n *cdp.Node, limit int) string {
	var sb strings.Builder
	var visit func(node *cdp.Node, top bool)
	visit = func(node *cdp.Node, top bool) {
		if node == nil || sb.Len() >= limit {
			return
		}
		switch node.NodeType {
		case cdp.NodeTypeText:
			txt := strings.TrimSpace(node.NodeValue)
			if txt != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(txt)
			}
			return
		case cdp.NodeTypeElement:
			tag := strings.ToLower(node.NodeName)
			if skipTags[tag] {
				return
			}
			if !top && isInteractive(tag, attrMap(node.Attributes)) {
				return
			}
		default:
			return
		}
		for _, child := range node.Children {
			visit(child, false)
		}
	}
	visit(n, true)

	text := sb.String()
	if len(text) > limit {
		text = strings.ToValidUTF8(text[:limit], "")
	}
	return strings.Join(strings.Fields(text), " ")
}

func joinScope(scope, segment string) string {
	if scope == "" {
		return segment
	}
	return scope + " > " + segment
}

func describeHost(tag string, attrs map[string]string) string {
	if id := attrs["id"]; id != "" {
		return tag + "#" + id
	}
	return tag
}

// ByCSSSelector resolves a selector against the top document and returns a
// direct handle per match, indexed or not. It does not wait for matches to
// become visible; callers interacting with one must check liveness
// themselves. A selector that matches nothing yields an empty slice, not an
// error; a malformed selector is an error.
func (b *Browser) ByCSSSelector(ctx context.Context, id target.ID, selector string) ([]NodeRef, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, invalidOp("empty selector")
	}
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return nil, err
	}

	var doc dom.GetDocumentReturns
	if err := b.client.Call(ctx, string(session), "DOM.getDocument",
		&dom.GetDocumentParams{Depth: 0}, &doc); err != nil {
		return nil, err
	}
	if doc.Root == nil {
		return nil, apperrors.New(apperrors.ErrCodeProtocol, "document has no root node")
	}

	var matches dom.QuerySelectorAllReturns
	err = b.client.Call(ctx, string(session), "DOM.querySelectorAll",
		&dom.QuerySelectorAllParams{NodeID: doc.Root.NodeID, Selector: selector}, &matches)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeProtocol) {
			return nil, invalidOp("selector %q rejected: %v", selector, err)
		}
		return nil, err
	}

	nodes := make([]NodeRef, 0, len(matches.NodeIDs))
	for _, nodeID := range matches.NodeIDs {
		var desc dom.DescribeNodeReturns
		if err := b.client.Call(ctx, string(session), "DOM.describeNode",
			&dom.DescribeNodeParams{NodeID: nodeID}, &desc); err != nil {
			// The node detached between the query and the describe.
			continue
		}
		if desc.Node == nil {
			continue
		}
		node := NodeRef{
			BackendID: desc.Node.BackendNodeID,
			Tag:       strings.ToLower(desc.Node.NodeName),
		}
		if ref, ok := t.index.refByBackendID(desc.Node.BackendNodeID); ok {
			node.Ref = &ref
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
