package browser

import (
	"context"

	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/extract"
)

// ExtractText reads the target's document and reduces it to readable
// text. Relative links resolve against the page's current URL unless the
// options name a different base.
func (b *Browser) ExtractText(ctx context.Context, id target.ID, opts extract.Options) (*extract.Result, error) {
	t, _, err := b.sess(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.BaseURL == "" {
		if url, _, err := b.PageInfo(ctx, id); err == nil {
			opts.BaseURL = url
		}
	}

	var res *extract.Result
	err = b.runCommand(ctx, t, "extract", opts.Selector, func(ctx context.Context) error {
		html, err := b.OuterHTML(ctx, id, nil)
		if err != nil {
			return err
		}
		res, err = extract.Text(html, opts)
		return err
	})
	return res, err
}
