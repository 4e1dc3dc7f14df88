package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// Click pointer-clicks an indexed element at its center. The element is
// scrolled into view, its geometry re-read, and a hit-test confirms the
// point is not covered before any button event is sent.
func (b *Browser) Click(ctx context.Context, id target.ID, ref ElementRef, opts *ClickOptions) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	button := input.Left
	clicks := int64(1)
	var mods input.Modifier
	if opts != nil {
		switch opts.Button {
		case ButtonMiddle:
			button = input.Middle
		case ButtonRight:
			button = input.Right
		}
		if opts.ClickCount > 1 {
			clicks = int64(opts.ClickCount)
		}
		mods, err = modifierBits(opts.Modifiers)
		if err != nil {
			return err
		}
	}

	return b.runCommand(ctx, t, "click", fmt.Sprintf("[%d]", ref.Index), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
			return err
		}
		x, y, err := b.clickablePoint(ctx, session, entry, ref.Index)
		if err != nil {
			return err
		}
		if err := b.assertHittable(ctx, session, entry, ref.Index); err != nil {
			return err
		}

		if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseMoved, X: x, Y: y, Modifiers: mods,
		}); err != nil {
			return err
		}
		if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MousePressed, X: x, Y: y, Button: button, ClickCount: clicks, Modifiers: mods,
		}); err != nil {
			return err
		}
		return b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseReleased, X: x, Y: y, Button: button, ClickCount: clicks, Modifiers: mods,
		})
	})
}

// Hover moves the pointer to the element's center without pressing.
func (b *Browser) Hover(ctx context.Context, id target.ID, ref ElementRef) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, "hover", fmt.Sprintf("[%d]", ref.Index), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
			return err
		}
		x, y, err := b.clickablePoint(ctx, session, entry, ref.Index)
		if err != nil {
			return err
		}
		return b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseMoved, X: x, Y: y,
		})
	})
}

// Focus gives the element keyboard focus without pointer side effects.
func (b *Browser) Focus(ctx context.Context, id target.ID, ref ElementRef) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, "focus", fmt.Sprintf("[%d]", ref.Index), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		return b.client.Call(ctx, string(session), "DOM.focus",
			&dom.FocusParams{BackendNodeID: entry.backendID}, nil)
	})
}

// DragTo presses on one element, moves the pointer to another in a series
// of intermediate steps so drag handlers see real motion, and releases.
// Grab and drop default to the element centers unless opts carries offsets.
func (b *Browser) DragTo(ctx context.Context, id target.ID, from, to ElementRef, opts *DragOptions) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	steps := b.cfg.Actions.DragSteps
	var fromOff, toOff *Offset
	if opts != nil {
		fromOff, toOff = opts.FromOffset, opts.ToOffset
		if opts.Steps > 0 {
			steps = opts.Steps
		}
	}
	if steps < 2 {
		steps = 2
	}

	return b.runCommand(ctx, t, "drag", fmt.Sprintf("[%d]->[%d]", from.Index, to.Index), func(ctx context.Context) error {
		fromEntry, err := t.index.resolve(from)
		if err != nil {
			return err
		}
		toEntry, err := t.index.resolve(to)
		if err != nil {
			return err
		}

		if err := b.prepareNode(ctx, session, fromEntry, from.Index); err != nil {
			return err
		}
		x0, y0, err := b.dragPoint(ctx, session, fromEntry, from.Index, fromOff)
		if err != nil {
			return err
		}
		x1, y1, err := b.dragPoint(ctx, session, toEntry, to.Index, toOff)
		if err != nil {
			return err
		}

		if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseMoved, X: x0, Y: y0,
		}); err != nil {
			return err
		}
		if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MousePressed, X: x0, Y: y0, Button: input.Left, ClickCount: 1,
		}); err != nil {
			return err
		}
		for i := 1; i <= steps; i++ {
			frac := float64(i) / float64(steps)
			if err := b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
				Type:   input.MouseMoved,
				X:      x0 + (x1-x0)*frac,
				Y:      y0 + (y1-y0)*frac,
				Button: input.Left,
			}); err != nil {
				return err
			}
		}
		return b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseReleased, X: x1, Y: y1, Button: input.Left, ClickCount: 1,
		})
	})
}

// dragPoint aims at the element's center, or at an explicit offset from its
// top-left corner when one is given.
func (b *Browser) dragPoint(ctx context.Context, session target.SessionID, entry indexEntry, index int, off *Offset) (float64, float64, error) {
	if off == nil {
		return b.clickablePoint(ctx, session, entry, index)
	}
	box, err := b.elementBox(ctx, session, entry, index)
	if err != nil {
		return 0, 0, err
	}
	return box.X + off.X, box.Y + off.Y, nil
}

// Scroll wheels the page, or the scrollable ancestor of an element when a
// handle is given. pages is in viewport-relative units, so 1 moves one full
// viewport along the scroll axis; zero scrolls most of one.
func (b *Browser) Scroll(ctx context.Context, id target.ID, ref *ElementRef, dir ScrollDirection, pages float64) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	detail := string(dir)
	if ref != nil {
		detail = fmt.Sprintf("[%d] %s", ref.Index, dir)
	}
	return b.runCommand(ctx, t, "scroll", detail, func(ctx context.Context) error {
		var metrics page.GetLayoutMetricsReturns
		if err := b.client.Call(ctx, string(session), "Page.getLayoutMetrics", nil, &metrics); err != nil {
			return err
		}
		vw, vh := 800.0, 600.0
		if metrics.LayoutViewport != nil {
			vw = float64(metrics.LayoutViewport.ClientWidth)
			vh = float64(metrics.LayoutViewport.ClientHeight)
		}

		x, y := vw/2, vh/2
		if ref != nil {
			entry, err := t.index.resolve(*ref)
			if err != nil {
				return err
			}
			if err := b.prepareNode(ctx, session, entry, ref.Index); err != nil {
				return err
			}
			x, y, err = b.clickablePoint(ctx, session, entry, ref.Index)
			if err != nil {
				return err
			}
		}

		pg := pages
		if pg <= 0 {
			pg = 0.8
		}
		amount := pg * vh
		if dir == ScrollLeft || dir == ScrollRight {
			amount = pg * vw
		}

		var dx, dy float64
		switch dir {
		case ScrollDown:
			dy = amount
		case ScrollUp:
			dy = -amount
		case ScrollRight:
			dx = amount
		case ScrollLeft:
			dx = -amount
		default:
			return invalidOp("unknown scroll direction %q", dir)
		}

		return b.dispatchMouse(ctx, session, &input.DispatchMouseEventParams{
			Type: input.MouseWheel, X: x, Y: y, DeltaX: dx, DeltaY: dy,
		})
	})
}

func (b *Browser) dispatchMouse(ctx context.Context, session target.SessionID, p *input.DispatchMouseEventParams) error {
	return b.client.Call(ctx, string(session), "Input.dispatchMouseEvent", p, nil)
}
