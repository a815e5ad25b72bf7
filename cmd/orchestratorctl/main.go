// Package main is the minimal composition root for the orchestration
// core: it loads configuration and the model manifest, registers the
// in-process engines, starts the self-healing monitor, and drains
// cleanly on SIGTERM. Transport surfaces live outside this binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	morc "github.com/blueberrycongee/morc"
	"github.com/blueberrycongee/morc/internal/config"
	"github.com/blueberrycongee/morc/internal/engine"
	"github.com/blueberrycongee/morc/internal/loader"
	"github.com/blueberrycongee/morc/internal/model"
	"github.com/blueberrycongee/morc/internal/resilience"
)

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file (defaults apply when empty)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	orch, err := morc.New(cfg)
	if err != nil {
		return err
	}

	// The in-process reference engines; real per-format loaders register
	// here the same way at their own composition roots.
	orch.RegisterEngine(engine.Engine{
		Name:    "mock",
		Formats: []model.Format{model.FormatMock},
		Loader:  &loader.MockLoader{},
	})
	orch.RegisterEngine(engine.Engine{
		Name:    "simple",
		Formats: []model.Format{model.FormatSimple},
		Loader:  loader.NewSimpleLoader(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}
	slog.Info("orchestrator ready", "loaded_models", orch.Status().LoadedCount)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, draining")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return orch.Shutdown(shutdownCtx)

		case sig := <-orch.Signals():
			switch sig {
			case resilience.SignalClearCache:
				slog.Info("supervisor signal", "signal", string(sig))
				orch.ClearCaches()
			case resilience.SignalReload, resilience.SignalShutdown:
				// The hosting process owns restart policy; this minimal
				// host treats both as a drain-and-exit so a supervisor
				// (systemd, k8s) can restart it.
				slog.Warn("supervisor signal, draining", "signal", string(sig))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return orch.Shutdown(shutdownCtx)
			}
		}
	}
}
