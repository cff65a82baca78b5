// Package http is the agent's built-in script: a workflow of HTTP requests,
// each recorded as a test, with values extracted from one response
// available to the requests after it.
package http

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/core"
	"grindstone/internal/ratelimit"
	"grindstone/internal/statistics"
	"grindstone/internal/template"
)

// VariableThread is set to the thread number before every run.
const VariableThread = "thread"

type Option func(*Workflow)

func WithLogger(logger log.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// Workflow runs its steps in order. It is safe for use by many threads.
type Workflow struct {
	name    string
	steps   []*Step
	limiter *ratelimit.RateLimiter
	logger  log.Logger
	stats   httpIndices
}

type httpIndices struct {
	status      statistics.LongIndex
	length      statistics.LongIndex
	errors      statistics.LongIndex
	dns         statistics.LongIndex
	connect     statistics.LongIndex
	firstByte   statistics.LongIndex
	connections statistics.LongIndex
}

// NewWorkflow builds a workflow from cfg. A nil client gets one with the
// configured timeout.
func NewWorkflow(cfg WorkflowConfig, layout *statistics.IndexMap, client *http.Client, opts ...Option) (*Workflow, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	w := &Workflow{
		name:    cfg.Name,
		limiter: ratelimit.NewRateLimiter(cfg.Pace),
		logger:  log.NewNopLogger(),
		stats: httpIndices{
			status:      layout.MustLongIndex(statistics.HTTPResponseStatus),
			length:      layout.MustLongIndex(statistics.HTTPResponseLength),
			errors:      layout.MustLongIndex(statistics.HTTPResponseErrors),
			dns:         layout.MustLongIndex(statistics.HTTPDNSTime),
			connect:     layout.MustLongIndex(statistics.HTTPConnectTime),
			firstByte:   layout.MustLongIndex(statistics.HTTPFirstByteTime),
			connections: layout.MustLongIndex(statistics.HTTPConnectionsEstablished),
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, sc := range cfg.Steps {
		w.steps = append(w.steps, NewStep(sc, client))
	}
	return w, nil
}

func (w *Workflow) Name() string { return w.name }

// Tests returns the test of every step in order.
func (w *Workflow) Tests() []statistics.Test {
	tests := make([]statistics.Test, len(w.steps))
	for i, s := range w.steps {
		tests[i] = s.Test()
	}
	return tests
}

// Run performs every step once. A failing step is recorded as an error and
// ends the run early; Run itself only fails when ctx is done.
func (w *Workflow) Run(ctx context.Context, thread int, rec core.Recorder) error {
	if w.limiter.Interval() > 0 {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	vars := template.Variables{VariableThread: thread}
	for _, step := range w.steps {
		result, err := step.Execute(ctx, vars)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed.
			return ctx.Err()
		}
		w.record(rec, step.Test(), result, err)

		if err != nil {
			level.Debug(w.logger).Log("msg", "step failed", "thread", thread, "test", step.Test().Number, "status", result.StatusCode, "err", err)
			return nil
		}
		level.Debug(w.logger).Log("msg", "step done", "thread", thread, "test", step.Test().Number, "status", result.StatusCode, "duration", result.Duration)
		vars.Merge(result.Extract)
	}
	return nil
}

func (w *Workflow) record(rec core.Recorder, test statistics.Test, result Result, err error) {
	if err != nil {
		rec.RecordError(test)
	} else {
		rec.RecordSuccess(test, result.Duration)
	}

	sr, ok := rec.(core.StatisticsRecorder)
	if !ok || result.StatusCode == 0 {
		return
	}
	sr.UpdateStatistics(test, func(s *statistics.Set) {
		s.SetLong(w.stats.status, int64(result.StatusCode))
		s.AddLong(w.stats.length, result.BytesRecv)
		if result.StatusCode >= http.StatusBadRequest {
			s.AddLong(w.stats.errors, 1)
		}
		s.AddLong(w.stats.dns, result.DNS.Milliseconds())
		s.AddLong(w.stats.connect, result.Connect.Milliseconds())
		s.AddLong(w.stats.firstByte, result.FirstByte.Milliseconds())
		if result.NewConnection {
			s.AddLong(w.stats.connections, 1)
		}
	})
}
