package worker

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"grindstone/internal/ratelimit"
)

// Property names understood in a start message. Durations are milliseconds.
const (
	PropertyThreads                 = "grinder.threads"
	PropertyInitialThreads          = "grinder.initialThreads"
	PropertyThreadIncrement         = "grinder.threadIncrement"
	PropertyThreadIncrementInterval = "grinder.threadIncrementInterval"
	PropertyRuns                    = "grinder.runs"
	PropertyWarmupRuns              = "grinder.warmupRuns"
	PropertyDuration                = "grinder.duration"
	PropertyReportInterval          = "grinder.reportToConsole.interval"
)

const DefaultReportInterval = 500 * time.Millisecond

// Config controls one worker process.
type Config struct {
	Name           string
	Threads        ratelimit.Ramp
	Runs           int           // 0 = unlimited
	WarmupRuns     int           // runs per thread that are not recorded
	Duration       time.Duration // 0 = until stopped or every thread finishes
	ReportInterval time.Duration
}

// DefaultConfig runs one thread once.
func DefaultConfig() Config {
	return Config{
		Threads:        ratelimit.Ramp{Max: 1},
		Runs:           1,
		ReportInterval: DefaultReportInterval,
	}
}

func (c Config) Validate() error {
	if c.Threads.Max < 1 {
		return errors.New("worker: at least one thread is required")
	}
	if c.Threads.Initial < 0 || c.Threads.Increment < 0 || c.Threads.Interval < 0 {
		return errors.New("worker: thread ramp must not be negative")
	}
	if c.Runs < 0 || c.WarmupRuns < 0 {
		return errors.New("worker: run counts must not be negative")
	}
	if c.Duration < 0 {
		return errors.New("worker: duration must not be negative")
	}
	if c.ReportInterval <= 0 {
		return errors.New("worker: report interval must be positive")
	}
	return nil
}

// WithProperties returns a copy of c overridden by the properties of a start
// message.
func (c Config) WithProperties(props map[string]string) (Config, error) {
	ints := []struct {
		name string
		dst  *int
	}{
		{PropertyThreads, &c.Threads.Max},
		{PropertyInitialThreads, &c.Threads.Initial},
		{PropertyThreadIncrement, &c.Threads.Increment},
		{PropertyRuns, &c.Runs},
		{PropertyWarmupRuns, &c.WarmupRuns},
	}
	for _, p := range ints {
		v, ok := props[p.name]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid %s %q: %w", p.name, v, err)
		}
		*p.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{PropertyThreadIncrementInterval, &c.Threads.Interval},
		{PropertyDuration, &c.Duration},
		{PropertyReportInterval, &c.ReportInterval},
	}
	for _, p := range durations {
		v, ok := props[p.name]
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("invalid %s %q: %w", p.name, v, err)
		}
		*p.dst = time.Duration(ms) * time.Millisecond
	}
	return c, c.Validate()
}
