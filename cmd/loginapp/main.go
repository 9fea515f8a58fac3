package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nullpointer-dev/bwnet/internal/baseapp"
	"github.com/nullpointer-dev/bwnet/internal/config"
	"github.com/nullpointer-dev/bwnet/internal/loginapp"
)

const defaultConfigPath = "config/loginapp.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := flag.String("config", defaultConfigPath, "path to the login app's YAML config")
	pendingTTL := flag.Duration("pending-ttl", time.Minute, "how long a handed-off login key stays valid before the base app must claim it")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.Info("bwnet login app starting")

	path := *cfgPath
	if p := os.Getenv("BWNET_LOGINAPP_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadLoginAppConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded", "bind", cfg.BindAddress, "port", cfg.Port)

	// The pending-login-key handoff table is local to this process: the login
	// app populates it, but no base app runs in this binary to claim from it.
	// A base app started from cmd/baseapp keeps its own table; nothing in this
	// toolkit carries entries between the two processes.
	pending := baseapp.NewPendingTable(*pendingTTL)

	app, err := loginapp.New(cfg, pending)
	if err != nil {
		return fmt.Errorf("creating login app: %w", err)
	}
	defer app.Close()

	slog.Info("login app listening", "bind", cfg.BindAddress, "port", cfg.Port)
	return app.Run(ctx)
}
