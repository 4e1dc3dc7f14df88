package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chromedp/cdproto/target"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

func runNavigateCommand(args []string) error {
	fs := flag.NewFlagSet("navigate", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := fs.Arg(0)
	if url == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "navigate requires a url argument")
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	id := target.ID(cf.target)
	if err := s.browser.Navigate(ctx, id, url); err != nil {
		return err
	}
	return printPage(ctx, s, id, cf.json)
}

func runBackCommand(args []string) error {
	return runHistoryStep(args, "back")
}

func runForwardCommand(args []string) error {
	return runHistoryStep(args, "forward")
}

func runReloadCommand(args []string) error {
	return runHistoryStep(args, "reload")
}

func runHistoryStep(args []string, action string) error {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
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
	switch action {
	case "back":
		err = s.browser.Back(ctx, id)
	case "forward":
		err = s.browser.Forward(ctx, id)
	default:
		err = s.browser.Reload(ctx, id)
	}
	if err != nil {
		return err
	}
	return printPage(ctx, s, id, cf.json)
}

// printPage reports where the page landed after a navigation command.
func printPage(ctx context.Context, s *session, id target.ID, jsonFlag bool) error {
	url, title, err := s.browser.PageInfo(ctx, id)
	if err != nil {
		// The navigation itself succeeded; settle for not echoing the page.
		return nil
	}
	if useJSON(jsonFlag) {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"url": url, "title": title})
	}
	if title != "" {
		fmt.Printf("%s  %s\n", url, title)
	} else {
		fmt.Println(url)
	}
	return nil
}
