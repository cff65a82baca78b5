package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/communication"
	"grindstone/internal/messages"
	"grindstone/internal/ratelimit"
)

type ReporterOption func(*Reporter)

func WithReporterLogger(logger log.Logger) ReporterOption {
	return func(r *Reporter) { r.logger = logger }
}

// WithProcessReport sends the message fn returns after every statistics
// report.
func WithProcessReport(fn func() communication.Message) ReporterOption {
	return func(r *Reporter) { r.status = fn }
}

// Reporter ships a Recorder's statistics to the console: newly seen tests
// first, then the delta since the previous report.
type Reporter struct {
	workerID string
	recorder *Recorder
	sender   communication.Sender
	limiter  *ratelimit.RateLimiter
	status   func() communication.Message
	logger   log.Logger
	mu       sync.Mutex
}

func NewReporter(workerID string, recorder *Recorder, sender communication.Sender, interval time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		workerID: workerID,
		recorder: recorder,
		sender:   sender,
		limiter:  ratelimit.NewRateLimiter(interval),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reports once per interval until ctx is done, then sends a final
// report. It returns early if a report cannot be sent.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			// The next report would fall after ctx's deadline.
			<-ctx.Done()
			return r.Report()
		}
		if ctx.Err() != nil {
			return r.Report()
		}
		if err := r.Report(); err != nil {
			return err
		}
	}
}

// Report sends whatever has been recorded since the previous report.
func (r *Reporter) Report() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tests := r.recorder.TakeNewTests(); len(tests) > 0 {
		msg := &messages.RegisterTestsMessage{WorkerID: r.workerID, Tests: tests}
		if err := r.sender.Send(msg); err != nil {
			return fmt.Errorf("registering tests: %w", err)
		}
	}

	delta := r.recorder.TakeDelta()
	if delta.Len() > 0 {
		msg := &messages.ReportStatisticsMessage{WorkerID: r.workerID, Statistics: delta}
		if err := r.sender.Send(msg); err != nil {
			return fmt.Errorf("reporting statistics: %w", err)
		}
		level.Debug(r.logger).Log("msg", "reported statistics", "worker", r.workerID, "tests", delta.Len())
	}

	if r.status != nil {
		if err := r.sender.Send(r.status()); err != nil {
			return fmt.Errorf("reporting status: %w", err)
		}
	}
	return nil
}
