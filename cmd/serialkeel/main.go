package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/serial-keel/serial-keel/internal/config"
	"github.com/serial-keel/serial-keel/internal/logging"
	"github.com/serial-keel/serial-keel/internal/registry"
	"github.com/serial-keel/serial-keel/internal/session"
	"github.com/serial-keel/serial-keel/internal/wsserver"
)

var version = "dev"

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("serialkeel", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	addrOverride := fs.String("addr", "", "listen address (overrides the config file)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, or error")
	validateOnly := fs.Bool("validate", false, "load and validate the configuration, then exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("parse -log-level: %w", err)
	}
	logging.SetLevel(level)
	slog.Debug("log level set", "level", logging.GetLevel())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addrOverride != "" {
		cfg.Addr = *addrOverride
	}

	if *validateOnly {
		logging.PrintBanner("standalone", version, cfg.Addr)
		if _, err := registry.Build(cfg.Registry()); err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		slog.Info("configuration is valid", "addr", cfg.Addr, "mock_mode", cfg.MockMode)
		return nil
	}

	logging.PrintBanner("serving", version, cfg.Addr)

	reg, err := registry.Build(cfg.Registry())
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	core := session.NewCore(reg, cfg.Mode(), 0)

	for id, path := range cfg.TtyPaths() {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		core.RegisterTTY(id, f)
	}

	srv := wsserver.New(cfg.Addr, version, core)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
