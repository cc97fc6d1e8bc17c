// Package main implements the entry point for the openwebrxplus receiver
// server. It loads configuration, assembles the receiver, and runs it until
// a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mihow/openwebrxplus/config"
	"github.com/mihow/openwebrxplus/server"
)

const appName = "openwebrxplus"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Receiver failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, server.Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "sources", len(cfg.Sources))
		return nil
	}

	slog.Info("Starting receiver",
		"version", server.Version,
		"config_path", cliCfg.ConfigPath,
		"listen", cfg.Server.Listen,
		"sources", len(cfg.Sources))

	receiver, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble receiver: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := receiver.Run(ctx); err != nil {
		return fmt.Errorf("run receiver: %w", err)
	}

	slog.Info("Receiver shutdown complete")
	return nil
}

// loadConfig reads the named configuration file, or falls back to the
// built-in defaults when none was given. CLI overrides apply last.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	var cfg *config.Config
	if cliCfg.ConfigPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if cliCfg.Listen != "" {
		cfg.Server.Listen = cliCfg.Listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
