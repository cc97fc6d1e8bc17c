package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/mihow/openwebrxplus/server"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	Listen      string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("OPENWEBRX_CONFIG", ""),
		"Path to configuration file, empty for built-in defaults (env: OPENWEBRX_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("OPENWEBRX_CONFIG", ""),
		"Path to configuration file, empty for built-in defaults (env: OPENWEBRX_CONFIG)")

	flag.StringVar(&cfg.Listen, "listen",
		getEnv("OPENWEBRX_LISTEN", ""),
		"Listen address override, e.g. :8073 (env: OPENWEBRX_LISTEN)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("OPENWEBRX_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: OPENWEBRX_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("OPENWEBRX_LOG_FORMAT", "json"),
		"Log format: json, text (env: OPENWEBRX_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("OPENWEBRX_DEBUG", false),
		"Enable debug mode (env: OPENWEBRX_DEBUG)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// Validate config file exists when one was named
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Multi-User SDR Receiver Server

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/openwebrxplus/receiver.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export OPENWEBRX_CONFIG=/etc/openwebrxplus/receiver.yaml
  export OPENWEBRX_LOG_LEVEL=debug
  %s

  # Validate configuration only
  %s --config=receiver.yaml --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], server.Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
