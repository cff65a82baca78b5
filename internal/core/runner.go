package core

import (
	"context"
	"errors"
	"time"

	"grindstone/internal/statistics"
)

// ErrMaxRunsReached indicates the runner hit its run limit.
var ErrMaxRunsReached = errors.New("max runs reached")

// NullRecorder discards all outcomes (used during warmup).
var NullRecorder Recorder = nullRecorder{}

type nullRecorder struct{}

func (nullRecorder) RecordSuccess(statistics.Test, time.Duration) {}
func (nullRecorder) RecordError(statistics.Test)                  {}

// RunnerConfig controls execution behavior.
type RunnerConfig struct {
	MaxRuns    int // 0 = unlimited
	WarmupRuns int // runs before outcomes are recorded (per thread)
}

// Runner drives one worker thread through repeated script runs.
// A Runner is NOT safe for concurrent use; each thread must have its own Runner.
type Runner struct {
	script   Script
	recorder Recorder
	thread   int
	config   RunnerConfig
	run      int
}

// NewRunner creates a Runner for a single worker thread.
func NewRunner(script Script, recorder Recorder, thread int, config RunnerConfig) *Runner {
	return &Runner{
		script:   script,
		recorder: recorder,
		thread:   thread,
		config:   config,
	}
}

// RunOnce executes one script run.
// Returns nil on success, ErrMaxRunsReached when the limit is hit, or the script's error.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.config.MaxRuns > 0 && r.run >= r.config.MaxRuns {
		return ErrMaxRunsReached
	}

	rec := r.recorder
	if r.run < r.config.WarmupRuns {
		rec = NullRecorder
	}

	err := r.script.Run(ctx, r.thread, rec)
	r.run++
	return err
}

// Runs returns the number of completed runs.
func (r *Runner) Runs() int {
	return r.run
}

// IsWarmup returns true if still in warmup phase.
func (r *Runner) IsWarmup() bool {
	return r.run < r.config.WarmupRuns
}
