package worker

import (
	"context"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/communication"
	"grindstone/internal/coordinator"
	"grindstone/internal/core"
	"grindstone/internal/messages"
	"grindstone/internal/statistics"
)

type Option func(*Worker)

func WithLogger(logger log.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// Worker runs a script on a ramp of threads and reports what they record
// through sender.
type Worker struct {
	identity    communication.Identity
	config      Config
	script      core.Script
	sender      communication.Sender
	recorder    *Recorder
	coordinator *coordinator.Coordinator
	reporter    *Reporter
	state       atomic.Uint32
	logger      log.Logger
}

func New(identity communication.Identity, config Config, script core.Script, layout *statistics.IndexMap,
	sender communication.Sender, errorHandler core.ErrorHandler, opts ...Option) *Worker {
	w := &Worker{
		identity: identity,
		config:   config,
		script:   script,
		sender:   sender,
		recorder: NewRecorder(layout),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = log.With(w.logger, "worker", identity.Name)
	w.coordinator = coordinator.NewCoordinator(w.recorder, errorHandler, coordinator.WithLogger(w.logger))
	w.reporter = NewReporter(identity.ID, w.recorder, sender, config.ReportInterval,
		WithReporterLogger(w.logger), WithProcessReport(w.ProcessReport))
	return w
}

func (w *Worker) Identity() communication.Identity { return w.identity }

func (w *Worker) State() messages.ProcessState {
	return messages.ProcessState(w.state.Load())
}

// ProcessReport describes the worker's current state.
func (w *Worker) ProcessReport() communication.Message {
	return &messages.WorkerProcessReport{
		AgentID:                w.identity.AgentID,
		WorkerID:               w.identity.ID,
		Name:                   w.identity.Name,
		State:                  w.State(),
		NumberOfRunningThreads: w.coordinator.ActiveThreads(),
		MaximumNumberOfThreads: w.config.Threads.Max,
	}
}

// Run starts the threads and reports until they finish, the configured
// duration elapses or ctx is done. A final statistics report and a finished
// process report are sent before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	threadsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.config.Duration > 0 {
		var cancelDuration context.CancelFunc
		threadsCtx, cancelDuration = context.WithTimeout(threadsCtx, w.config.Duration)
		defer cancelDuration()
	}

	w.state.Store(uint32(messages.StateStarted))
	if err := w.sender.Send(w.ProcessReport()); err != nil {
		return err
	}
	level.Info(w.logger).Log("msg", "worker started", "threads", w.config.Threads.Max, "runs", w.config.Runs)

	threadsDone := make(chan struct{})
	go func() {
		defer close(threadsDone)
		w.coordinator.RunWithRamp(threadsCtx, w.config.Threads, w.script, core.RunnerConfig{
			MaxRuns:    w.config.Runs,
			WarmupRuns: w.config.WarmupRuns,
		})
	}()
	w.state.Store(uint32(messages.StateRunning))

	reportCtx, stopReporting := context.WithCancel(context.Background())
	go func() {
		<-threadsDone
		stopReporting()
	}()

	err := w.reporter.Run(reportCtx)
	if err != nil {
		cancel()
	}
	<-threadsDone
	stopReporting()

	w.state.Store(uint32(messages.StateFinished))
	if err != nil {
		return err
	}
	level.Info(w.logger).Log("msg", "worker finished", "threads", w.coordinator.StartedThreads())
	return w.sender.Send(w.ProcessReport())
}
