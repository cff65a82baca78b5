// Package core holds the collaborators shared by the console, agent and
// worker processes: scripts, recorders, error handlers, logging and clocks.
package core

import (
	"context"
	"time"

	"grindstone/internal/statistics"
)

// Script is executed once per run by every worker thread. Script engines
// live outside this module; workers are handed an implementation.
type Script interface {
	Run(ctx context.Context, thread int, rec Recorder) error
}

// ScriptFunc adapts a function to Script.
type ScriptFunc func(ctx context.Context, thread int, rec Recorder) error

func (f ScriptFunc) Run(ctx context.Context, thread int, rec Recorder) error {
	return f(ctx, thread, rec)
}

// Recorder receives the outcome of each test a script performs.
type Recorder interface {
	RecordSuccess(test statistics.Test, elapsed time.Duration)
	RecordError(test statistics.Test)
}

// StatisticsRecorder is implemented by recorders that let a script update
// the other statistics of a test. fn runs under the recorder's lock.
type StatisticsRecorder interface {
	UpdateStatistics(test statistics.Test, fn func(s *statistics.Set))
}

// ErrorHandler receives errors raised asynchronously by background
// components (acceptors, senders, reporters).
type ErrorHandler interface {
	HandleError(err error)
	HandleErrorMessage(msg string)
}
