package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/chauffeur/pkg/api"
	"github.com/odvcencio/chauffeur/pkg/bus"
	"github.com/odvcencio/chauffeur/pkg/logging"
	"github.com/odvcencio/chauffeur/pkg/telemetry"
)

const shutdownGrace = 5 * time.Second

// runServeCommand keeps one browser connection alive and exposes it over
// HTTP plus a websocket event stream until interrupted.
func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	bind := fs.String("bind", "", "listen address (overrides the configured server bind)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.Telemetry.TraceStdout {
		tp, err := telemetry.NewTracerProvider("chauffeur", version)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// Serve mode routes all registry events through the hub so websocket
	// clients, the recorder and the bus see the same stream.
	hub := api.NewHub()
	if s.writer != nil {
		hub.AddSink(s.writer)
	}

	if s.cfg.Bus.Enabled {
		busCfg := bus.DefaultConfig()
		busCfg.URL = s.cfg.Bus.URL
		nb, err := bus.NewNATSBus(busCfg)
		if err != nil {
			return err
		}
		defer nb.Close()
		bridge := bus.NewBridge(nb, s.logger)
		defer bridge.Close()
		hub.AddSink(bridge)
		s.logger.Info(logging.CategoryBus, "connected", "publishing target events", map[string]any{
			"url": s.cfg.Bus.URL,
		})
	}
	s.browser.SetEventSink(hub)

	address := *bind
	if address == "" {
		address = s.cfg.Server.Bind
	}

	var store api.HistoryStore
	if s.store != nil {
		store = s.store
	}
	srv := api.NewServer(api.ServerConfig{
		Address:    address,
		Controller: s.browser,
		Store:      store,
		Hub:        hub,
		Logger:     s.logger,
		Version:    version,
	})

	s.logger.Info(logging.CategoryServer, "listening", "api server up", map[string]any{
		"address": address,
	})
	if stdoutIsTerminal() {
		fmt.Printf("chauffeur %s listening on http://%s\n", version, address)
		fmt.Println("Press Ctrl-C to stop.")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
