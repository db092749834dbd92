// Command turnstiled is the turnstile server daemon. It runs the
// coordination engine and serves the HTTP API over it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/turnstile/config"
	"github.com/GoCodeAlone/turnstile/engine"
	"github.com/GoCodeAlone/turnstile/internal/version"
	"github.com/GoCodeAlone/turnstile/server"
)

var (
	configPath = flag.String("config", "", "path to YAML config file (defaults built in when empty)")
	addr       = flag.String("addr", "", "listen address, overrides server.addr")
	logFormat  = flag.String("log-format", "text", "log format: text or json")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "turnstiled: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(*configPath)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log_level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(*logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", *logFormat)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting turnstiled",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	srv := server.New(*cfg, eng, version.Version, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(srv.Stop(shutdownCtx), eng.Stop(shutdownCtx))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
