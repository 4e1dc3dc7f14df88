package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/target"
)

func runConsoleCommand(args []string) error {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	n := fs.Int("n", 50, "number of most recent entries to show")
	wait := fs.Duration("wait", 2*time.Second, "how long to listen before printing")
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

	// The buffer only fills while this process is attached, so give the
	// page a moment to talk before reading it.
	if *wait > 0 {
		select {
		case <-time.After(*wait):
		case <-ctx.Done():
		}
	}

	entries, err := s.browser.ConsoleTail(target.ID(cf.target), *n)
	if err != nil {
		return err
	}

	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No console output captured.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s %-7s %s\n", e.At.Format("15:04:05.000"), e.Level, e.Text)
	}
	return nil
}
