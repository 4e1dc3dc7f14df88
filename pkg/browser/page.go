package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/cdp"
	"github.com/odvcencio/chauffeur/pkg/config"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// Navigate loads url in the target and waits for the load event. The
// navigation is verified at commit: a refused navigation (bad DNS, blocked
// scheme) reports the browser's error text instead of silently landing on
// an error page. A page that commits but loads slowly is not an error;
// the wait is bounded and logged.
func (b *Browser) Navigate(ctx context.Context, id target.ID, url string) error {
	if strings.TrimSpace(url) == "" {
		return invalidOp("empty url")
	}
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}

	return b.runCommand(ctx, t, "navigate", url, func(ctx context.Context) error {
		loaded := b.client.SubscribeSession(string(session), "Page.loadEventFired")
		defer loaded.Unsubscribe()

		var res page.NavigateReturns
		if err := b.client.Call(ctx, string(session), "Page.navigate",
			&page.NavigateParams{URL: url}, &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return apperrors.New(apperrors.ErrCodeProtocol, "navigation failed: "+res.ErrorText).
				WithContext("url", url)
		}
		b.awaitLoad(ctx, loaded, url)
		return nil
	})
}

// Reload reloads the target's current document.
func (b *Browser) Reload(ctx context.Context, id target.ID) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, "reload", "", func(ctx context.Context) error {
		loaded := b.client.SubscribeSession(string(session), "Page.loadEventFired")
		defer loaded.Unsubscribe()
		if err := b.client.Call(ctx, string(session), "Page.reload", nil, nil); err != nil {
			return err
		}
		b.awaitLoad(ctx, loaded, "reload")
		return nil
	})
}

// awaitLoad waits for the load event within the configured budget. Pages
// that keep loading past it are usable enough; log and move on.
func (b *Browser) awaitLoad(ctx context.Context, loaded *cdp.Subscription, what string) {
	wait := b.cfg.Actions.NavigateTimeout
	if wait <= 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	select {
	case <-loaded.C():
	case <-waitCtx.Done():
		b.logger.Warn(logging.CategoryAction, "load_slow", "load event did not fire in time", map[string]any{
			"what":   what,
			"waitMs": wait.Milliseconds(),
		})
	}
}

// Back navigates one entry back in the target's history. Having no entry
// to go back to is an error, matching what the browser's button would do
// when disabled.
func (b *Browser) Back(ctx context.Context, id target.ID) error {
	return b.historyStep(ctx, id, "back", -1)
}

// Forward navigates one entry forward in the target's history.
func (b *Browser) Forward(ctx context.Context, id target.ID) error {
	return b.historyStep(ctx, id, "forward", +1)
}

func (b *Browser) historyStep(ctx context.Context, id target.ID, action string, delta int64) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, action, "", func(ctx context.Context) error {
		var hist page.GetNavigationHistoryReturns
		if err := b.client.Call(ctx, string(session), "Page.getNavigationHistory", nil, &hist); err != nil {
			return err
		}
		want := hist.CurrentIndex + delta
		if want < 0 || int(want) >= len(hist.Entries) {
			return invalidOp("no history entry to go %s to", action)
		}
		entry := hist.Entries[want]
		return b.client.Call(ctx, string(session), "Page.navigateToHistoryEntry",
			&page.NavigateToHistoryEntryParams{EntryID: entry.ID}, nil)
	})
}

// History returns the target's navigation entries and the current position.
func (b *Browser) History(ctx context.Context, id target.ID) ([]*page.NavigationEntry, int64, error) {
	_, session, err := b.sess(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	var hist page.GetNavigationHistoryReturns
	if err := b.client.Call(ctx, string(session), "Page.getNavigationHistory", nil, &hist); err != nil {
		return nil, 0, err
	}
	return hist.Entries, hist.CurrentIndex, nil
}

// PageInfo reads the target's live URL and title from the browser rather
// than the registry's cache.
func (b *Browser) PageInfo(ctx context.Context, id target.ID) (string, string, error) {
	t, err := b.resolveTarget(id)
	if err != nil {
		return "", "", err
	}
	var res target.GetTargetInfoReturns
	if err := b.client.Call(ctx, "", "Target.getTargetInfo",
		&target.GetTargetInfoParams{TargetID: t.id}, &res); err != nil {
		return "", "", err
	}
	if res.TargetInfo == nil {
		return "", "", apperrors.New(apperrors.ErrCodeProtocol, "no target info returned")
	}
	return res.TargetInfo.URL, res.TargetInfo.Title, nil
}

// Cookies returns the cookies visible to the target's current document.
func (b *Browser) Cookies(ctx context.Context, id target.ID) ([]Cookie, error) {
	_, session, err := b.sess(ctx, id)
	if err != nil {
		return nil, err
	}
	var res network.GetCookiesReturns
	if err := b.client.Call(ctx, string(session), "Network.getCookies", nil, &res); err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		if c == nil {
			continue
		}
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
		})
	}
	return out, nil
}

// ClearCookies wipes every cookie in the browser profile, not just the
// target's.
func (b *Browser) ClearCookies(ctx context.Context, id target.ID) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, "clear_cookies", "", func(ctx context.Context) error {
		return b.client.Call(ctx, string(session), "Network.clearBrowserCookies", nil, nil)
	})
}

// CaptureScreenshot renders the page, an element, or the full scrollable
// page to an image.
func (b *Browser) CaptureScreenshot(ctx context.Context, id target.ID, opts *ScreenshotOptions) ([]byte, error) {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return nil, err
	}

	format := config.DefaultScreenshotKind
	quality := 0
	var clip *ElementRef
	fullPage := false
	if opts != nil {
		if opts.Format != "" {
			format = opts.Format
		}
		quality = opts.Quality
		clip = opts.Clip
		fullPage = opts.FullPage
	}

	params := &page.CaptureScreenshotParams{}
	switch format {
	case "png":
		params.Format = page.CaptureScreenshotFormatPng
		if quality != 0 {
			return nil, invalidOp("quality applies to jpeg and webp only")
		}
	case "jpeg", "webp":
		params.Format = page.CaptureScreenshotFormat(format)
		if quality < 0 || quality > 100 {
			return nil, invalidOp("%s quality must be 0-100, got %d", format, quality)
		}
		if quality > 0 {
			params.Quality = int64(quality)
		}
	default:
		return nil, invalidOp("unknown screenshot format %q", format)
	}
	if fullPage {
		params.CaptureBeyondViewport = true
	}

	var data []byte
	err = b.runCommand(ctx, t, "screenshot", format, func(ctx context.Context) error {
		if clip != nil {
			entry, err := t.index.resolve(*clip)
			if err != nil {
				return err
			}
			if err := b.prepareNode(ctx, session, entry, clip.Index); err != nil {
				return err
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
					return {x: r.x + window.scrollX, y: r.y + window.scrollY, w: r.width, h: r.height};
				}`, &rect)
			if err != nil {
				return err
			}
			if rect.W <= 0 || rect.H <= 0 {
				return notInteractable(clip.Index, "zero-size box")
			}
			params.Clip = &page.Viewport{X: rect.X, Y: rect.Y, Width: rect.W, Height: rect.H, Scale: 1}
		}

		var res page.CaptureScreenshotReturns
		if err := b.client.Call(ctx, string(session), "Page.captureScreenshot", params, &res); err != nil {
			return err
		}
		data = res.Data
		return nil
	})
	return data, err
}

// PrintPDF renders the page to a PDF document.
func (b *Browser) PrintPDF(ctx context.Context, id target.ID, landscape bool) ([]byte, error) {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = b.runCommand(ctx, t, "pdf", "", func(ctx context.Context) error {
		var res page.PrintToPDFReturns
		if err := b.client.Call(ctx, string(session), "Page.printToPDF",
			&page.PrintToPDFParams{Landscape: landscape, PrintBackground: true}, &res); err != nil {
			return err
		}
		data = res.Data
		return nil
	})
	return data, err
}

// SetViewport overrides the target's viewport metrics. Zero width and
// height clear the override.
func (b *Browser) SetViewport(ctx context.Context, id target.ID, width, height int64, scale float64, mobile bool) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	return b.runCommand(ctx, t, "viewport", fmt.Sprintf("%dx%d", width, height), func(ctx context.Context) error {
		if width == 0 && height == 0 {
			return b.client.Call(ctx, string(session), "Emulation.clearDeviceMetricsOverride", nil, nil)
		}
		if width <= 0 || height <= 0 {
			return invalidOp("viewport must be positive, got %dx%d", width, height)
		}
		if scale <= 0 {
			scale = 1
		}
		return b.client.Call(ctx, string(session), "Emulation.setDeviceMetricsOverride",
			&emulation.SetDeviceMetricsOverrideParams{
				Width: width, Height: height, DeviceScaleFactor: scale, Mobile: mobile,
			}, nil)
	})
}

// Highlight flashes an outline around an indexed element, for humans
// following along with what the layer is about to act on.
func (b *Browser) Highlight(ctx context.Context, id target.ID, ref ElementRef, durationMs int) error {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return err
	}
	if durationMs <= 0 {
		durationMs = 1500
	}
	return b.runCommand(ctx, t, "highlight", fmt.Sprintf("[%d]", ref.Index), func(ctx context.Context) error {
		entry, err := t.index.resolve(ref)
		if err != nil {
			return err
		}
		return b.callOnNode(ctx, session, entry.backendID,
			`function(ms) {
				const prev = this.style.outline;
				const prevOffset = this.style.outlineOffset;
				this.style.outline = '3px solid #ff4081';
				this.style.outlineOffset = '2px';
				setTimeout(() => {
					this.style.outline = prev;
					this.style.outlineOffset = prevOffset;
				}, ms);
				return true;
			}`, nil, durationMs)
	})
}

// OuterHTML returns the serialized HTML of the whole document, or of one
// indexed element when a handle is given.
func (b *Browser) OuterHTML(ctx context.Context, id target.ID, ref *ElementRef) (string, error) {
	t, session, err := b.sess(ctx, id)
	if err != nil {
		return "", err
	}

	if ref != nil {
		entry, err := t.index.resolve(*ref)
		if err != nil {
			return "", err
		}
		var res dom.GetOuterHTMLReturns
		if err := b.client.Call(ctx, string(session), "DOM.getOuterHTML",
			&dom.GetOuterHTMLParams{BackendNodeID: entry.backendID}, &res); err != nil {
			return "", err
		}
		return res.OuterHTML, nil
	}

	var doc dom.GetDocumentReturns
	if err := b.client.Call(ctx, string(session), "DOM.getDocument",
		&dom.GetDocumentParams{Depth: 0}, &doc); err != nil {
		return "", err
	}
	if doc.Root == nil {
		return "", apperrors.New(apperrors.ErrCodeProtocol, "document has no root node")
	}
	var res dom.GetOuterHTMLReturns
	if err := b.client.Call(ctx, string(session), "DOM.getOuterHTML",
		&dom.GetOuterHTMLParams{NodeID: doc.Root.NodeID}, &res); err != nil {
		return "", err
	}
	return res.OuterHTML, nil
}
