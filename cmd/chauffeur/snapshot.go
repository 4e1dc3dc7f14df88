package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chromedp/cdproto/target"
)

func runSnapshotCommand(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	cf := addCommonFlags(fs)
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

	snap, err := s.browser.Snapshot(ctx, target.ID(cf.target))
	if err != nil {
		return err
	}

	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(snap)
	}

	title := snap.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("%s  %s\n", snap.URL, title)
	fmt.Printf("generation %d, %d elements\n\n", snap.Generation, len(snap.Elements))
	fmt.Print(snap.Listing(s.cfg.Snapshot.MaxTextLength))
	return nil
}
