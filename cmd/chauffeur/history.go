package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/storage"
)

// runHistoryCommand reads the recording database directly. It never talks
// to a browser, so it works while no Chrome is running.
func runHistoryCommand(args []string) error {
	if len(args) == 0 {
		printHistoryHelp()
		return apperrors.New(apperrors.ErrCodeInvalidInput, "history requires a subcommand")
	}

	switch args[0] {
	case "runs":
		return runHistoryRuns(args[1:])
	case "commands":
		return runHistoryCommands(args[1:])
	case "events":
		return runHistoryEvents(args[1:])
	case "--help", "-h", "help":
		printHistoryHelp()
		return nil
	default:
		printHistoryHelp()
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown history subcommand %q", args[0])
	}
}

func printHistoryHelp() {
	fmt.Println(`Usage: chauffeur history <subcommand> [flags]

Subcommands:
  runs                      list recorded runs, newest first
  commands                  list recorded commands
  events                    list recorded target events

Flags (commands):
  --run <id>                filter by run id
  --target <id>             filter by target id
  --action <name>           filter by action name
  --limit <n>               cap the result set (default 100)

Flags (events):
  --target <id>             filter by target id
  --kind <name>             filter by event kind
  --limit <n>               cap the result set (default 100)`)
}

func openStore(configPath string) (*storage.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, apperrors.New(apperrors.ErrCodeInvalidOperation, "recording is disabled; enable storage in the config first")
	}
	return storage.New(cfg.Storage.Path)
}

func runHistoryRuns(args []string) error {
	fs := flag.NewFlagSet("history runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	limit := fs.Int("limit", 20, "cap the result set")
	jsonFlag := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), *limit)
	if err != nil {
		return err
	}

	if useJSON(*jsonFlag) {
		return json.NewEncoder(os.Stdout).Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %-30s  %d commands\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.Endpoint, r.Commands)
	}
	return nil
}

func runHistoryCommands(args []string) error {
	fs := flag.NewFlagSet("history commands", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	runID := fs.String("run", "", "filter by run id")
	targetID := fs.String("target", "", "filter by target id")
	action := fs.String("action", "", "filter by action name")
	limit := fs.Int("limit", 100, "cap the result set")
	jsonFlag := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.CommandHistory(context.Background(), storage.HistoryQuery{
		RunID:    *runID,
		TargetID: *targetID,
		Action:   *action,
		Limit:    *limit,
	})
	if err != nil {
		return err
	}

	if useJSON(*jsonFlag) {
		return json.NewEncoder(os.Stdout).Encode(recs)
	}
	if len(recs) == 0 {
		fmt.Println("No recorded commands.")
		return nil
	}
	for _, rec := range recs {
		line := fmt.Sprintf("%s  %-10s  %-8s  target=%s  %v",
			rec.At.Format("15:04:05.000"), rec.Action, rec.Status, rec.TargetID, rec.Duration)
		if rec.Error != "" {
			line += "  error=" + rec.Error
		}
		fmt.Println(line)
	}
	return nil
}

func runHistoryEvents(args []string) error {
	fs := flag.NewFlagSet("history events", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	targetID := fs.String("target", "", "filter by target id")
	kind := fs.String("kind", "", "filter by event kind")
	limit := fs.Int("limit", 100, "cap the result set")
	jsonFlag := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.EventHistory(context.Background(), *targetID, *kind, *limit)
	if err != nil {
		return err
	}

	if useJSON(*jsonFlag) {
		return json.NewEncoder(os.Stdout).Encode(events)
	}
	if len(events) == 0 {
		fmt.Println("No recorded events.")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-10s  target=%s", ev.At.Format("15:04:05.000"), ev.Kind, ev.TargetID)
		if ev.URL != "" {
			line += "  " + ev.URL
		}
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}
	return nil
}
