package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/extract"
)

func runScreenshotCommand(args []string) error {
	fs := flag.NewFlagSet("screenshot", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	out := fs.String("out", "", "output file (default screenshot-<timestamp>.<format>)")
	format := fs.String("format", "png", "image format: png, jpeg, or webp")
	quality := fs.Int("quality", 0, "jpeg/webp quality 1-100")
	fullPage := fs.Bool("full", false, "capture the whole page, not just the viewport")
	index := fs.Int("index", -1, "clip to the element with this snapshot index")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	id := target.ID(cf.target)
	opts := &browser.ScreenshotOptions{Format: *format, Quality: *quality, FullPage: *fullPage}
	if *index >= 0 {
		ref, err := freshRef(ctx, s, id, *index)
		if err != nil {
			return err
		}
		opts.Clip = &ref
	}

	data, err := s.browser.CaptureScreenshot(ctx, id, opts)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		ext := *format
		if ext == "jpeg" {
			ext = "jpg"
		}
		path = fmt.Sprintf("screenshot-%s.%s", time.Now().Format("20060102-150405"), ext)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"path": path, "bytes": len(data)})
	}
	fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func runPDFCommand(args []string) error {
	fs := flag.NewFlagSet("pdf", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	out := fs.String("out", "", "output file (default page-<timestamp>.pdf)")
	landscape := fs.Bool("landscape", false, "landscape orientation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.browser.PrintPDF(ctx, target.ID(cf.target), *landscape)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("page-%s.pdf", time.Now().Format("20060102-150405"))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"path": path, "bytes": len(data)})
	}
	fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func runTextCommand(args []string) error {
	fs := flag.NewFlagSet("text", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	selector := fs.String("selector", "", "CSS selector narrowing extraction to one subtree")
	links := fs.Bool("links", false, "render anchors inline as text (url)")
	maxChars := fs.Int("max-chars", 0, "truncate extracted text to this many bytes")
	maxLinks := fs.Int("max-links", 0, "cap the collected link list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.browser.ExtractText(ctx, target.ID(cf.target), extract.Options{
		Selector:     *selector,
		IncludeLinks: *links,
		MaxChars:     *maxChars,
		MaxLinks:     *maxLinks,
	})
	if err != nil {
		return err
	}

	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	if res.Title != "" {
		fmt.Printf("# %s\n\n", res.Title)
	}
	fmt.Println(res.Text)
	if len(res.Links) > 0 {
		fmt.Println()
		for _, l := range res.Links {
			fmt.Printf("- %s (%s)\n", l.Text, l.URL)
		}
	}
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "(text truncated)")
	}
	return nil
}
