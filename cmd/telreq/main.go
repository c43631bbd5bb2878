package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/runner"
	"github.com/NikoToRA/telreq-sub001/pkg/telreq"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := telreq.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	engine, err := telreq.NewEngine(telreq.EngineOptions{
		Config:    cfg,
		Providers: telreq.DefaultProviderRegistry(),
	})
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				slog.Error("engine_start_failed", "error", err)
				stop()
			}
		},
	}, 15*time.Second)

	if err := run.Run(ctx); err != nil {
		slog.Error("shutdown_error", "error", err)
		os.Exit(1)
	}
}
