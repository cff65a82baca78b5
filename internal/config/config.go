// Package config loads the console and agent YAML files. Missing keys keep
// their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"grindstone/internal/agent"
	"grindstone/internal/collector"
	"grindstone/internal/console"
	"grindstone/internal/core"
	"grindstone/internal/http"
	"grindstone/internal/ratelimit"
	"grindstone/internal/worker"
)

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ConsoleFile is the console's configuration file.
type ConsoleFile struct {
	Console    ConsoleConfig         `yaml:"console"`
	Run        RunConfig             `yaml:"run"`
	Thresholds *collector.Thresholds `yaml:"thresholds,omitempty"`
	Metrics    MetricsConfig         `yaml:"metrics"`
	Log        LogConfig             `yaml:"log"`
}

type ConsoleConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AcceptorThreads  int           `yaml:"acceptor_threads"`
	ReceiverThreads  int           `yaml:"receiver_threads"`
	SenderThreads    int           `yaml:"sender_threads"`
	IdlePollDelay    time.Duration `yaml:"idle_poll_delay"`
	SampleInterval   time.Duration `yaml:"sample_interval"`
	AgentLiveTimeout time.Duration `yaml:"agent_live_timeout"`
}

// RunConfig describes the test the console drives once agents connect.
type RunConfig struct {
	Agents     int               `yaml:"agents"`     // live agents to wait for before starting
	AgentWait  time.Duration     `yaml:"agent_wait"` // how long to wait for them
	Duration   time.Duration     `yaml:"duration"`   // 0 = until interrupted
	Properties map[string]string `yaml:"properties,omitempty"`
}

type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the endpoint
}

func DefaultConsoleFile() ConsoleFile {
	c := console.DefaultConfig()
	return ConsoleFile{
		Console: ConsoleConfig{
			Port:             c.Communication.Port,
			AcceptorThreads:  c.Communication.AcceptorThreads,
			ReceiverThreads:  c.Communication.ReceiverThreads,
			SenderThreads:    c.Communication.SenderThreads,
			IdlePollDelay:    c.Communication.IdlePollDelay,
			SampleInterval:   c.SampleInterval,
			AgentLiveTimeout: c.AgentLiveTimeout,
		},
		Run: RunConfig{
			Agents:    1,
			AgentWait: 30 * time.Second,
		},
		Log: LogConfig{Level: core.LogLevelInfo},
	}
}

// LoadConsoleConfig reads the console file at path. An empty path returns
// the defaults.
func LoadConsoleConfig(path string) (*ConsoleFile, error) {
	cfg := DefaultConsoleFile()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Console returns the console's runtime configuration.
func (f *ConsoleFile) Runtime() console.Config {
	c := f.Console
	return console.Config{
		Communication: console.CommunicationConfig{
			Host:            c.Host,
			Port:            c.Port,
			AcceptorThreads: c.AcceptorThreads,
			ReceiverThreads: c.ReceiverThreads,
			SenderThreads:   c.SenderThreads,
			IdlePollDelay:   c.IdlePollDelay,
		},
		SampleInterval:   c.SampleInterval,
		AgentLiveTimeout: c.AgentLiveTimeout,
	}
}

func (f *ConsoleFile) Validate() error {
	var errs []error
	if err := f.Runtime().Validate(); err != nil {
		errs = append(errs, err)
	}
	if f.Run.Agents < 0 {
		errs = append(errs, errors.New("run: agents must not be negative"))
	}
	if f.Run.AgentWait < 0 || f.Run.Duration < 0 {
		errs = append(errs, errors.New("run: durations must not be negative"))
	}
	if err := f.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}
	return errors.Join(errs...)
}

// AgentFile is the agent's configuration file.
type AgentFile struct {
	Agent  AgentConfig         `yaml:"agent"`
	Worker WorkerConfig        `yaml:"worker"`
	Script http.WorkflowConfig `yaml:"script"`
	Log    LogConfig           `yaml:"log"`
}

type AgentConfig struct {
	Console        string        `yaml:"console"`
	Name           string        `yaml:"name"`
	Workers        int           `yaml:"workers"`
	StatusInterval time.Duration `yaml:"status_interval"`
	DeltaEncoding  bool          `yaml:"delta_encoding"`
}

// WorkerConfig holds the worker defaults; a start command's properties
// override them.
type WorkerConfig struct {
	Threads                 int           `yaml:"threads"`
	InitialThreads          int           `yaml:"initial_threads"`
	ThreadIncrement         int           `yaml:"thread_increment"`
	ThreadIncrementInterval time.Duration `yaml:"thread_increment_interval"`
	Runs                    int           `yaml:"runs"`
	WarmupRuns              int           `yaml:"warmup_runs"`
	Duration                time.Duration `yaml:"duration"`
	ReportInterval          time.Duration `yaml:"report_interval"`
}

func DefaultAgentFile() AgentFile {
	w := worker.DefaultConfig()
	hostname, _ := os.Hostname()
	return AgentFile{
		Agent: AgentConfig{
			Console:        fmt.Sprintf("localhost:%d", console.DefaultPort),
			Name:           hostname,
			Workers:        1,
			StatusInterval: agent.DefaultStatusInterval,
			DeltaEncoding:  true,
		},
		Worker: WorkerConfig{
			Threads:        w.Threads.Max,
			Runs:           w.Runs,
			ReportInterval: w.ReportInterval,
		},
		Log: LogConfig{Level: core.LogLevelInfo},
	}
}

// LoadAgentConfig reads the agent file at path. The script must define at
// least one step.
func LoadAgentConfig(path string) (*AgentFile, error) {
	cfg := DefaultAgentFile()
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	cfg.Script.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AgentConfig returns the agent's runtime configuration.
func (f *AgentFile) Runtime() agent.Config {
	w := f.Worker
	return agent.Config{
		ConsoleAddress: f.Agent.Console,
		Name:           f.Agent.Name,
		Workers:        f.Agent.Workers,
		StatusInterval: f.Agent.StatusInterval,
		DeltaEncoding:  f.Agent.DeltaEncoding,
		Worker: worker.Config{
			Threads: ratelimit.Ramp{
				Initial:   w.InitialThreads,
				Increment: w.ThreadIncrement,
				Interval:  w.ThreadIncrementInterval,
				Max:       w.Threads,
			},
			Runs:           w.Runs,
			WarmupRuns:     w.WarmupRuns,
			Duration:       w.Duration,
			ReportInterval: w.ReportInterval,
		},
	}
}

func (f *AgentFile) Validate() error {
	var errs []error
	if err := f.Runtime().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := f.Script.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("script: %w", err))
	}
	return errors.Join(errs...)
}

func load(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}
