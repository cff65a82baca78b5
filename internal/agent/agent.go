// Package agent connects to a console and runs workers when told to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"grindstone/internal/communication"
	"grindstone/internal/core"
	"grindstone/internal/messages"
	"grindstone/internal/statistics"
	"grindstone/internal/worker"
)

// PropertyProcesses overrides the number of workers started per agent.
const PropertyProcesses = "grinder.processes"

const DefaultStatusInterval = time.Second

// Config controls an agent.
type Config struct {
	ConsoleAddress string
	Name           string
	Workers        int
	Worker         worker.Config
	StatusInterval time.Duration
	DeltaEncoding  bool
}

func (c Config) Validate() error {
	if c.ConsoleAddress == "" {
		return errors.New("agent: console address is required")
	}
	if c.Workers < 1 {
		return errors.New("agent: at least one worker is required")
	}
	if c.StatusInterval <= 0 {
		return errors.New("agent: status interval must be positive")
	}
	return c.Worker.Validate()
}

type Option func(*Agent)

func WithLogger(logger log.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// Agent serves the console's start, reset and stop commands. Workers share
// the agent's connection for their reports.
type Agent struct {
	config       Config
	identity     communication.Identity
	script       core.Script
	layout       *statistics.IndexMap
	errorHandler core.ErrorHandler
	logger       log.Logger

	mu          sync.Mutex
	conn        *communication.ClientConnection
	state       messages.ProcessState
	agentNumber int
	current     *run
	stopped     chan struct{}
	stopOnce    sync.Once
}

// run is one set of workers started by a start command.
type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	workers []*worker.Worker
}

func New(config Config, script core.Script, layout *statistics.IndexMap, errorHandler core.ErrorHandler, opts ...Option) *Agent {
	a := &Agent{
		config:       config,
		identity:     communication.NewIdentity(config.Name),
		script:       script,
		layout:       layout,
		errorHandler: errorHandler,
		logger:       log.NewNopLogger(),
		agentNumber:  -1,
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Identity() communication.Identity { return a.identity }

// Run connects to the console and serves it until a stop command arrives,
// the connection fails or ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	connector := communication.NewConnector(a.config.ConsoleAddress, communication.ConnectionTypeAgent, a.identity,
		messages.NewCodec(),
		communication.WithConnectorIndexMap(a.layout),
		communication.WithDeltaEncoding(a.config.DeltaEncoding),
		communication.WithConnectorLogger(a.logger))
	conn, err := connector.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.state = messages.StateStarted
	a.mu.Unlock()
	level.Info(a.logger).Log("msg", "connected to console", "console", a.config.ConsoleAddress, "agent", a.identity.ID)

	dispatcher := communication.NewMessageDispatchRegistry()
	defer dispatcher.Shutdown()
	dispatcher.Set(messages.KindStartGrinder, communication.HandlerFunc(a.handleStart))
	dispatcher.Set(messages.KindResetGrinder, communication.HandlerFunc(a.handleReset))
	dispatcher.Set(messages.KindStopGrinder, communication.HandlerFunc(a.handleStop))
	dispatcher.AddFallback(communication.HandlerFunc(func(msg communication.Message) error {
		level.Warn(a.logger).Log("msg", "ignoring unexpected message", "kind", msg.Kind())
		return nil
	}))

	statusCtx, stopStatus := context.WithCancel(ctx)
	var statusDone sync.WaitGroup
	statusDone.Add(1)
	go func() {
		defer statusDone.Done()
		a.reportStatus(statusCtx, conn)
	}()

	err = a.serve(ctx, conn, dispatcher)

	a.stopWorkers()
	stopStatus()
	statusDone.Wait()

	a.mu.Lock()
	a.state = messages.StateFinished
	a.mu.Unlock()
	if sendErr := conn.Send(a.processReport()); sendErr != nil {
		level.Debug(a.logger).Log("msg", "final status not sent", "err", sendErr)
	}
	return err
}

func (a *Agent) serve(ctx context.Context, conn *communication.ClientConnection, dispatcher *communication.MessageDispatchRegistry) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := dispatcher.Send(msg); err != nil {
			a.errorHandler.HandleError(err)
		}
		select {
		case <-a.stopped:
			level.Info(a.logger).Log("msg", "stopped by console")
			return nil
		default:
		}
	}
}

func (a *Agent) reportStatus(ctx context.Context, conn *communication.ClientConnection) {
	ticker := time.NewTicker(a.config.StatusInterval)
	defer ticker.Stop()
	for {
		if err := conn.Send(a.processReport()); err != nil {
			level.Debug(a.logger).Log("msg", "status report failed", "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) processReport() *messages.AgentProcessReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	workers := 0
	if a.current != nil {
		select {
		case <-a.current.done:
		default:
			workers = len(a.current.workers)
		}
	}
	return &messages.AgentProcessReport{
		AgentID:         a.identity.ID,
		Name:            a.identity.Name,
		AgentNumber:     a.agentNumber,
		State:           a.state,
		NumberOfWorkers: workers,
	}
}

func (a *Agent) handleStart(msg communication.Message) error {
	start, ok := msg.(*messages.StartGrinderMessage)
	if !ok {
		return fmt.Errorf("unexpected message %T for kind %d", msg, msg.Kind())
	}

	config, err := a.config.Worker.WithProperties(start.Properties)
	if err != nil {
		return err
	}
	processes := a.config.Workers
	if v, ok := start.Properties[PropertyProcesses]; ok {
		if processes, err = strconv.Atoi(v); err != nil || processes < 1 {
			return fmt.Errorf("invalid %s %q", PropertyProcesses, v)
		}
	}

	a.stopWorkers()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentNumber = start.AgentNumber

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	for i := 0; i < processes; i++ {
		config := config
		config.Name = fmt.Sprintf("%s-%d", a.identity.Name, i)
		identity := communication.NewWorkerIdentity(a.identity.ID, config.Name)
		r.workers = append(r.workers, worker.New(identity, config, a.script, a.layout, a.conn, a.errorHandler,
			worker.WithLogger(a.logger)))
	}
	a.current = r
	a.state = messages.StateRunning

	var g errgroup.Group
	for _, w := range r.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	go func() {
		defer close(r.done)
		if err := g.Wait(); err != nil {
			a.errorHandler.HandleError(fmt.Errorf("worker: %w", err))
		}
		a.mu.Lock()
		if a.current == r {
			a.state = messages.StateFinished
		}
		a.mu.Unlock()
		level.Info(a.logger).Log("msg", "workers finished", "workers", len(r.workers))
	}()

	level.Info(a.logger).Log("msg", "started workers", "workers", processes, "threads", config.Threads.Max,
		"agentNumber", start.AgentNumber)
	return nil
}

func (a *Agent) handleReset(communication.Message) error {
	a.stopWorkers()
	a.mu.Lock()
	a.state = messages.StateStarted
	a.mu.Unlock()
	level.Info(a.logger).Log("msg", "reset, waiting for the console")
	return nil
}

func (a *Agent) handleStop(communication.Message) error {
	a.stopOnce.Do(func() { close(a.stopped) })
	return nil
}

// stopWorkers cancels the current run and waits for its workers to send
// their final reports.
func (a *Agent) stopWorkers() {
	a.mu.Lock()
	r := a.current
	a.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}
