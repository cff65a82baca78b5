package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"grindstone/internal/agent"
	"grindstone/internal/config"
	"grindstone/internal/core"
	httpworkflow "grindstone/internal/http"
	"grindstone/internal/statistics"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML agent config file (required)")
	consoleAddr := pflag.String("console", "", "console host:port (overrides config)")
	name := pflag.StringP("name", "n", "", "agent name (overrides config)")
	workers := pflag.IntP("workers", "w", 0, "number of worker processes (overrides config)")
	logLevel := pflag.String("log-level", "", "log level: none, error, warn, info, debug (overrides config)")
	pflag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *consoleAddr != "" {
		cfg.Agent.Console = *consoleAddr
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}
	if pflag.CommandLine.Changed("workers") {
		cfg.Agent.Workers = *workers
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger, err := core.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	layout, err := statistics.NewIndexMap()
	if err != nil {
		level.Error(logger).Log("msg", "building statistics layout", "err", err)
		os.Exit(1)
	}
	script, err := httpworkflow.NewWorkflow(cfg.Script, layout, nil, httpworkflow.WithLogger(logger))
	if err != nil {
		level.Error(logger).Log("msg", "building script", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := agent.New(cfg.Runtime(), script, layout, core.NewLoggingErrorHandler(logger), agent.WithLogger(logger))
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("msg", "agent stopped", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "agent finished", "agent", a.Identity().ID)
}
