package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"grindstone/internal/collector"
	"grindstone/internal/config"
	"grindstone/internal/console"
	"grindstone/internal/core"
	"grindstone/internal/observability/prom"
	"grindstone/internal/progress"
	"grindstone/internal/statistics"
)

const (
	ExitSuccess         = 0
	ExitThresholdFailed = 1
	ExitError           = 2
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML console config file")
	port := pflag.IntP("port", "p", 0, "port to listen on for agents (overrides config)")
	agents := pflag.IntP("agents", "a", 0, "number of agents to wait for (overrides config)")
	duration := pflag.DurationP("duration", "d", 0, "how long to record (overrides config, 0 = until interrupted)")
	output := pflag.StringP("output", "o", "text", "output format: text, json")
	quiet := pflag.BoolP("quiet", "q", false, "suppress progress output during test")
	logLevel := pflag.String("log-level", "", "log level: none, error, warn, info, debug (overrides config)")
	pflag.Parse()

	if *output != "text" && *output != "json" {
		fmt.Fprintf(os.Stderr, "error: --output must be 'text' or 'json', got %q\n", *output)
		os.Exit(ExitError)
	}

	cfg, err := config.LoadConsoleConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Console.Port = *port
	}
	if pflag.CommandLine.Changed("agents") {
		cfg.Run.Agents = *agents
	}
	if pflag.CommandLine.Changed("duration") {
		cfg.Run.Duration = *duration
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}

	logger, err := core.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(ExitError)
	}

	os.Exit(run(cfg, logger, *output, *quiet))
}

func run(cfg *config.ConsoleFile, logger log.Logger, output string, quiet bool) int {
	layout, err := statistics.NewIndexMap()
	if err != nil {
		level.Error(logger).Log("msg", "building statistics layout", "err", err)
		return ExitError
	}

	opts := []console.Option{console.WithLogger(logger)}
	if cfg.Metrics.Address != "" {
		reg := prom.NewRegistry()
		opts = append(opts,
			console.WithCommunicationObserver(prom.NewCommunicationObserver(reg)),
			console.WithConsoleObserver(prom.NewConsoleObserver(reg)))
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: prom.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	c, err := console.New(cfg.Runtime(), layout, core.NewLoggingErrorHandler(logger), opts...)
	if err != nil {
		level.Error(logger).Log("msg", "starting console", "err", err)
		return ExitError
	}
	level.Info(logger).Log("msg", "console listening", "addr", c.Addr())

	coll := collector.NewCollector()
	c.SampleModel().AddListener(coll)
	pc := c.ProcessControl()
	prog := progress.NewProgress(coll, pc, quiet)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runCtx, stopConsole := context.WithCancel(context.Background())
	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		c.Run(runCtx)
	}()

	if !waitForAgents(ctx, pc, cfg.Run.Agents, cfg.Run.AgentWait) {
		level.Warn(logger).Log("msg", "not all agents connected", "want", cfg.Run.Agents, "have", pc.NumberOfLiveAgents())
	}

	interrupted := false
	if ctx.Err() == nil {
		prog.Printf("Grindstone starting: %d agents, duration %v", pc.NumberOfLiveAgents(), cfg.Run.Duration)
		c.SampleModel().Start()
		if err := pc.StartWorkerProcesses(cfg.Run.Properties); err != nil {
			level.Error(logger).Log("msg", "starting workers", "err", err)
		}
		prog.Start()

		recordCtx := ctx
		if cfg.Run.Duration > 0 {
			var stop context.CancelFunc
			recordCtx, stop = context.WithTimeout(ctx, cfg.Run.Duration)
			defer stop()
		}
		<-recordCtx.Done()
		interrupted = ctx.Err() != nil
		if interrupted && !quiet {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		}

		// One last sample so the results include the tail of the run.
		c.SampleModel().Sample()
		c.SampleModel().Stop()
		if err := pc.StopAgentAndWorkerProcesses(); err != nil {
			level.Warn(logger).Log("msg", "stopping agents", "err", err)
		}
		prog.Stop()
	}

	interrupted = interrupted || ctx.Err() != nil

	stopConsole()
	<-consoleDone
	coll.Close()

	metrics := coll.Compute()
	var thresholdResults *collector.ThresholdResults
	if cfg.Thresholds != nil {
		thresholdResults = cfg.Thresholds.Check(metrics)
	}
	if output == "json" {
		collector.FormatJSON(os.Stdout, metrics, thresholdResults)
	} else {
		collector.FormatText(os.Stdout, metrics, thresholdResults)
	}

	if interrupted {
		return ExitSuccess
	}
	if thresholdResults != nil && !thresholdResults.Passed {
		if output == "text" {
			fmt.Fprintln(os.Stderr, "\nThreshold check failed!")
		}
		return ExitThresholdFailed
	}
	return ExitSuccess
}

// waitForAgents reports whether want agents connected before the timeout.
func waitForAgents(ctx context.Context, pc *console.ProcessControl, want int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for pc.NumberOfLiveAgents() < want {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
