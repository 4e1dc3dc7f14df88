package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chromedp/cdproto/target"
	"github.com/mattn/go-runewidth"
	"golang.org/x/sync/errgroup"
)

func runTargetsCommand(args []string) error {
	fs := flag.NewFlagSet("targets", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	probe := fs.Bool("probe", false, "ask each page for its live url and title")
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

	infos := s.browser.ListTargets()

	if *probe {
		// The registry's url/title lag behind client-side navigation, so
		// --probe asks every attached page directly.
		g, probeCtx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i := range infos {
			if !infos[i].Attached || infos[i].Crashed {
				continue
			}
			g.Go(func() error {
				url, title, err := s.browser.PageInfo(probeCtx, infos[i].ID)
				if err == nil {
					infos[i].URL = url
					infos[i].Title = title
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No page targets open.")
		return nil
	}
	for _, info := range infos {
		marker := " "
		if info.Current {
			marker = "*"
		}
		note := ""
		if info.Crashed {
			note = " [crashed]"
		} else if !info.Attached {
			note = " [detached]"
		}
		fmt.Printf("%s %s  %s  %s%s\n", marker, info.ID,
			runewidth.FillRight(runewidth.Truncate(info.URL, 48, "…"), 48),
			runewidth.Truncate(info.Title, 40, "…"), note)
	}
	return nil
}

func runOpenCommand(args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := fs.Arg(0)

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.browser.CreateTarget(ctx, url)
	if err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": string(id)})
	}
	fmt.Printf("Opened %s\n", id)
	return nil
}

func runCloseCommand(args []string) error {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
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

	id := target.ID(cf.target)
	if id == "" {
		cur, err := s.browser.Current()
		if err != nil {
			return err
		}
		id = cur.ID
	}
	if err := s.browser.CloseTarget(ctx, id); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"closed": string(id)})
	}
	fmt.Printf("Closed %s\n", id)
	return nil
}
