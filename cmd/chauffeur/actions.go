package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/target"

	"github.com/odvcencio/chauffeur/pkg/browser"
	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// freshRef numbers the page and returns a live handle for index. One-shot
// invocations cannot reuse an older generation, so every action starts
// with its own snapshot.
func freshRef(ctx context.Context, s *session, id target.ID, index int) (browser.ElementRef, error) {
	snap, err := s.browser.Snapshot(ctx, id)
	if err != nil {
		return browser.ElementRef{}, err
	}
	if index < 0 || index >= len(snap.Elements) {
		return browser.ElementRef{}, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"index %d out of range, page has %d elements", index, len(snap.Elements))
	}
	return snap.Ref(index), nil
}

func parseIndexArg(fs *flag.FlagSet, name string) (int, error) {
	raw := fs.Arg(0)
	if raw == "" {
		return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput, "%s requires an element index argument", name)
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput, "%q is not an element index", raw)
	}
	return index, nil
}

func runClickCommand(args []string) error {
	fs := flag.NewFlagSet("click", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	button := fs.String("button", "left", "mouse button: left, middle or right")
	double := fs.Bool("double", false, "double-click")
	modifiers := fs.String("modifiers", "", "comma-separated keys held during the click (Control,Shift,Alt,Meta)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	index, err := parseIndexArg(fs, "click")
	if err != nil {
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
	ref, err := freshRef(ctx, s, id, index)
	if err != nil {
		return err
	}

	opts := &browser.ClickOptions{Button: browser.MouseButton(*button)}
	if *double {
		opts.ClickCount = 2
	}
	if *modifiers != "" {
		opts.Modifiers = strings.Split(*modifiers, ",")
	}
	if err := s.browser.Click(ctx, id, ref, opts); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"status": "ok", "action": "click", "index": index})
	}
	fmt.Printf("Clicked [%d]\n", index)
	return nil
}

func runFillCommand(args []string) error {
	fs := flag.NewFlagSet("fill", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	perChar := fs.Bool("per-char", false, "type one key event per character")
	if err := fs.Parse(args); err != nil {
		return err
	}
	index, err := parseIndexArg(fs, "fill")
	if err != nil {
		return err
	}
	text := fs.Arg(1)

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	id := target.ID(cf.target)
	ref, err := freshRef(ctx, s, id, index)
	if err != nil {
		return err
	}
	if err := s.browser.Fill(ctx, id, ref, text, &browser.FillOptions{PerChar: *perChar}); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"status": "ok", "action": "fill", "index": index})
	}
	fmt.Printf("Filled [%d]\n", index)
	return nil
}

func runPressCommand(args []string) error {
	fs := flag.NewFlagSet("press", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	combo := fs.Arg(0)
	if combo == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "press requires a key combo argument, e.g. Enter or Control+a")
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.browser.Press(ctx, target.ID(cf.target), combo); err != nil {
		return err
	}
	if useJSON(cf.json) {
		return json.NewEncoder(os.Stdout).Encode(map[string]string{"status": "ok", "pressed": combo})
	}
	fmt.Printf("Pressed %s\n", combo)
	return nil
}

func runEvalCommand(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	expr := fs.Arg(0)
	if expr == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "eval requires a JavaScript expression argument")
	}

	ctx, cancel := commandContext(cf.timeout)
	defer cancel()

	s, err := newSession(ctx, cf.config)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.browser.Evaluate(ctx, target.ID(cf.target), expr)
	if err != nil {
		return err
	}
	if result == "" {
		result = "null"
	}
	fmt.Println(result)
	return nil
}
