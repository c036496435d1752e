// Package main is the entry point for the avaserve application server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avaserve/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty log settings defer to the
// log section of the configuration.
type cliFlags struct {
	configPaths []string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	bootstrap := initLogger(logConfig(observability.DefaultLogConfig(), flags))

	app, err := newApplication(flags, bootstrap)
	if err != nil {
		bootstrap.Fatal("failed to start avaserve", observability.Error(err))
	}
	defer func() { _ = app.logger.Sync() }()

	if err := run(app); err != nil {
		app.logger.Error("avaserve stopped with error", observability.Error(err))
		_ = app.logger.Sync()
		os.Exit(1)
	}
}

// parseFlags parses command line flags with environment fallbacks.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("avaserve", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault(envConfig, "configs/avaserve.yaml"),
		"Comma-separated configuration files, later files override earlier ones")
	logLevel := fs.String("log-level", os.Getenv(envLogLevel),
		"Log level (debug, info, warn, error); overrides the configuration")
	logFormat := fs.String("log-format", os.Getenv(envLogFormat),
		"Log format (json, console); overrides the configuration")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPaths: splitList(*configPath),
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avaserve version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger and installs it as the global one.
func initLogger(cfg observability.LogConfig) observability.Logger {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// logConfig applies the command line overrides to the configured log
// settings.
func logConfig(configured observability.LogConfig, flags cliFlags) observability.LogConfig {
	if flags.logLevel != "" {
		configured.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		configured.Format = flags.logFormat
	}
	return configured
}
