// Command chauffeur drives a Chrome or Chromium browser over the
// DevTools protocol: open and inspect targets, snapshot interactive
// elements, click and type by index, extract readable text, and serve
// the whole surface over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/term"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/config"
	"github.com/odvcencio/chauffeur/pkg/logging"
	"github.com/odvcencio/chauffeur/pkg/storage"
)

var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 0
	}

	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "targets":
		return runCommand(runTargetsCommand, args[1:])
	case "open":
		return runCommand(runOpenCommand, args[1:])
	case "close":
		return runCommand(runCloseCommand, args[1:])
	case "navigate":
		return runCommand(runNavigateCommand, args[1:])
	case "back":
		return runCommand(runBackCommand, args[1:])
	case "forward":
		return runCommand(runForwardCommand, args[1:])
	case "reload":
		return runCommand(runReloadCommand, args[1:])
	case "snapshot":
		return runCommand(runSnapshotCommand, args[1:])
	case "click":
		return runCommand(runClickCommand, args[1:])
	case "fill":
		return runCommand(runFillCommand, args[1:])
	case "press":
		return runCommand(runPressCommand, args[1:])
	case "eval":
		return runCommand(runEvalCommand, args[1:])
	case "text":
		return runCommand(runTextCommand, args[1:])
	case "screenshot":
		return runCommand(runScreenshotCommand, args[1:])
	case "pdf":
		return runCommand(runPDFCommand, args[1:])
	case "console":
		return runCommand(runConsoleCommand, args[1:])
	case "history":
		return runCommand(runHistoryCommand, args[1:])
	case "serve":
		return runCommand(runServeCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		return 2
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printVersion() {
	fmt.Printf("chauffeur %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

func printHelp() {
	fmt.Print(`chauffeur - drive a Chrome browser over the DevTools protocol

Usage:
  chauffeur <command> [flags]

Target commands:
  targets              List open page targets (--probe reads live url/title)
  open [url]           Open a new target
  close                Close a target
  navigate <url>       Navigate and wait for the page to load
  back / forward       Walk session history
  reload               Reload the page

Element commands:
  snapshot             Index interactive elements and print the listing
  click <index>        Click an element from the latest snapshot
  fill <index> <text>  Focus a control, clear it, and type text
  press <combo>        Send a key combo, e.g. Control+Enter
  eval <expr>          Evaluate a JavaScript function expression

Content commands:
  text                 Extract readable page text (--links for link list)
  screenshot           Capture the viewport or an element
  pdf                  Print the page to PDF
  console              Show captured console output

Other commands:
  history              Query the flight recorder (runs, commands, events)
  serve                Run the debug HTTP server
  version              Print version information

Common flags (most commands):
  --target <id>        Target to drive; defaults to the current one
  --config <path>      Config file (default ~/.chauffeur/config.yaml)
  --timeout <dur>      Command deadline (default 30s)
  --json               Machine-readable output

Environment:
  CHAUFFEUR_ENDPOINT   Browser debugging endpoint (default http://127.0.0.1:9222)
`)
}

// session wires the pieces a one-shot command needs against a live
// browser: config, logger, connection, and the optional flight recorder.
type session struct {
	cfg     *config.Config
	logger  *logging.Logger
	browser *browser.Browser
	store   *storage.Store
	writer  *storage.EventWriter
	runID   string
}

func newSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Run ids sort by start time, so log files and recorder rows line up
	// chronologically on disk.
	runID := ulid.Make().String()
	logger, err := logging.NewLogger(cfg.Logging.Dir, runID)
	if err != nil {
		// Commands still work without a log file.
		logger = logging.Discard()
	} else {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	b, err := browser.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Close()
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, browser: b, runID: runID}

	if cfg.Storage.Enabled {
		store, err := storage.New(cfg.Storage.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.store = store
		_ = store.StartRun(ctx, runID, cfg.Endpoint.URL, version)
		b.SetRecorder(store)
		s.writer = storage.NewEventWriter(store, runID, logger)
		b.SetEventSink(s.writer)
	}
	return s, nil
}

func (s *session) Close() {
	if s.writer != nil {
		_ = s.writer.Close()
	}
	_ = s.browser.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = s.logger.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// commandContext is the deadline wrapper every one-shot command runs
// under.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// useJSON reports whether output should be machine readable: forced by
// the flag, or implied by a redirected stdout.
func useJSON(jsonFlag bool) bool {
	return jsonFlag || !stdoutIsTerminal()
}
