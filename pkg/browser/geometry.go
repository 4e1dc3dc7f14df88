package browser

import (
	"context"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/target"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// prepareNode scrolls the element into view. Failures here mean the node
// has no layout right now (hidden, detached, collapsing), which is the
// definition of not interactable.
func (b *Browser) prepareNode(ctx context.Context, session target.SessionID, entry indexEntry, index int) error {
	err := b.client.Call(ctx, string(session), "DOM.scrollIntoViewIfNeeded",
		&dom.ScrollIntoViewIfNeededParams{BackendNodeID: entry.backendID}, nil)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeProtocol) {
			return notInteractable(index, "cannot scroll into view")
		}
		return err
	}
	return nil
}

// clickablePoint finds the viewport coordinates to aim at: content quads
// first, box model second, a script-side bounding rect as the last word.
func (b *Browser) clickablePoint(ctx context.Context, session target.SessionID, entry indexEntry, index int) (float64, float64, error) {
	var quads dom.GetContentQuadsReturns
	err := b.client.Call(ctx, string(session), "DOM.getContentQuads",
		&dom.GetContentQuadsParams{BackendNodeID: entry.backendID}, &quads)
	if err == nil {
		for _, quad := range quads.Quads {
			if x, y, ok := quadCenter(quad); ok {
				return x, y, nil
			}
		}
	}

	var box dom.GetBoxModelReturns
	err = b.client.Call(ctx, string(session), "DOM.getBoxModel",
		&dom.GetBoxModelParams{BackendNodeID: entry.backendID}, &box)
	if err == nil && box.Model != nil {
		if x, y, ok := quadCenter(box.Model.Content); ok {
			return x, y, nil
		}
	}

	var rect struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		W float64 `json:"w"`
		H float64 `json:"h"`
	}
	err = b.callOnNode(ctx, session, entry.backendID,
		`function() {
			const r = this.getBoundingClientRect();
			return {x: r.x + r.width / 2, y: r.y + r.height / 2, w: r.width, h: r.height};
		}`, &rect)
	if err != nil {
		return 0, 0, notInteractable(index, "no usable geometry")
	}
	if rect.W <= 0 || rect.H <= 0 {
		return 0, 0, notInteractable(index, "zero-size box")
	}
	return rect.X, rect.Y, nil
}

// elementBox resolves the element's bounding box in viewport coordinates,
// walking the same ladder as clickablePoint.
func (b *Browser) elementBox(ctx context.Context, session target.SessionID, entry indexEntry, index int) (Rect, error) {
	var quads dom.GetContentQuadsReturns
	err := b.client.Call(ctx, string(session), "DOM.getContentQuads",
		&dom.GetContentQuadsParams{BackendNodeID: entry.backendID}, &quads)
	if err == nil {
		for _, quad := range quads.Quads {
			if r, ok := quadBounds(quad); ok {
				return r, nil
			}
		}
	}

	var box dom.GetBoxModelReturns
	err = b.client.Call(ctx, string(session), "DOM.getBoxModel",
		&dom.GetBoxModelParams{BackendNodeID: entry.backendID}, &box)
	if err == nil && box.Model != nil {
		if r, ok := quadBounds(box.Model.Content); ok {
			return r, nil
		}
	}

	var rect struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		W float64 `json:"w"`
		H float64 `json:"h"`
	}
	err = b.callOnNode(ctx, session, entry.backendID,
		`function() {
			const r = this.getBoundingClientRect();
			return {x: r.x, y: r.y, w: r.width, h: r.height};
		}`, &rect)
	if err != nil {
		return Rect{}, notInteractable(index, "no usable geometry")
	}
	if rect.W <= 0 || rect.H <= 0 {
		return Rect{}, notInteractable(index, "zero-size box")
	}
	return Rect{X: rect.X, Y: rect.Y, Width: rect.W, Height: rect.H}, nil
}

// quadCenter returns the centroid of a 4-point quad and whether the quad
// encloses any area.
func quadCenter(quad dom.Quad) (float64, float64, bool) {
	if len(quad) != 8 {
		return 0, 0, false
	}
	var minX, maxX = quad[0], quad[0]
	var minY, maxY = quad[1], quad[1]
	var sx, sy float64
	for i := 0; i < 8; i += 2 {
		x, y := quad[i], quad[i+1]
		sx += x
		sy += y
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	if maxX-minX < 1 || maxY-minY < 1 {
		return 0, 0, false
	}
	return sx / 4, sy / 4, true
}

// quadBounds returns the axis-aligned bounds of a 4-point quad and whether
// the quad encloses any area.
func quadBounds(quad dom.Quad) (Rect, bool) {
	if len(quad) != 8 {
		return Rect{}, false
	}
	var minX, maxX = quad[0], quad[0]
	var minY, maxY = quad[1], quad[1]
	for i := 2; i < 8; i += 2 {
		x, y := quad[i], quad[i+1]
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	if maxX-minX < 1 || maxY-minY < 1 {
		return Rect{}, false
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

// assertHittable verifies a center-point hit-test lands on the element or
// inside it. Overlays, sticky headers and cookie banners fail this check
// and come back not interactable so the dispatcher can retry or report.
// The probe computes its own point from the element's rect, so it stays
// correct inside iframes whose viewport origin differs from the page's.
// The check is advisory: if the probe itself errors, the command proceeds.
func (b *Browser) assertHittable(ctx context.Context, session target.SessionID, entry indexEntry, index int) error {
	var hit bool
	err := b.callOnNode(ctx, session, entry.backendID,
		`function() {
			const r = this.getBoundingClientRect();
			const el = document.elementFromPoint(r.x + r.width / 2, r.y + r.height / 2);
			if (!el) return false;
			if (el === this || this.contains(el) || el.contains(this)) return true;
			const root = this.getRootNode();
			return root instanceof ShadowRoot && el === root.host;
		}`, &hit)
	if err != nil {
		b.logger.Debug(logging.CategoryAction, "hittest_skipped", "hit-test probe failed", map[string]any{
			"index": index,
			"error": err.Error(),
		})
		return nil
	}
	if !hit {
		return notInteractable(index, "covered by another element")
	}
	return nil
}
