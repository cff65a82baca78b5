// Package coordinator manages worker thread lifecycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/core"
	"grindstone/internal/ratelimit"
)

const (
	// rampTickInterval is how often the thread count is compared with the
	// ramp's target.
	rampTickInterval = 100 * time.Millisecond
)

type Option func(*Coordinator)

func WithLogger(logger log.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// Coordinator runs worker threads. Threads are numbered from zero in the
// order they start and each drives its own core.Runner.
type Coordinator struct {
	nextThread   atomic.Int32
	wg           sync.WaitGroup
	recorder     core.Recorder
	errorHandler core.ErrorHandler
	logger       log.Logger
	activeCount  atomic.Int32
	stopChans    []chan struct{}
	stopMu       sync.Mutex
}

func NewCoordinator(recorder core.Recorder, errorHandler core.ErrorHandler, opts ...Option) *Coordinator {
	c := &Coordinator{
		recorder:     recorder,
		errorHandler: errorHandler,
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts count threads that run script until ctx is done, the run
// limit is reached or the script fails.
func (c *Coordinator) Spawn(ctx context.Context, count int, script core.Script, config core.RunnerConfig) {
	for i := 0; i < count; i++ {
		c.spawnWithStop(ctx, script, config)
	}
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) ActiveThreads() int {
	return int(c.activeCount.Load())
}

// StartedThreads returns how many threads have been started in total.
func (c *Coordinator) StartedThreads() int {
	return int(c.nextThread.Load())
}

func (c *Coordinator) spawnWithStop(ctx context.Context, script core.Script, config core.RunnerConfig) chan struct{} {
	stopCh := make(chan struct{})
	thread := int(c.nextThread.Add(1)) - 1
	c.activeCount.Add(1)
	c.wg.Add(1)

	c.stopMu.Lock()
	c.stopChans = append(c.stopChans, stopCh)
	c.stopMu.Unlock()

	go func(thread int, stop chan struct{}) {
		defer func() {
			c.wg.Done()
			c.activeCount.Add(-1)
		}()
		defer c.recoverPanic(thread)
		runner := core.NewRunner(script, c.recorder, thread, config)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
				err := runner.RunOnce(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, core.ErrMaxRunsReached) {
					level.Debug(c.logger).Log("msg", "thread finished", "thread", thread, "runs", runner.Runs())
					return
				}
				if ctx.Err() == nil {
					c.errorHandler.HandleError(fmt.Errorf("thread %d run %d: %w", thread, runner.Runs(), err))
				}
				return
			}
		}
	}(thread, stopCh)

	return stopCh
}

// recoverPanic recovers from panics in thread goroutines and reports them.
func (c *Coordinator) recoverPanic(thread int) {
	if r := recover(); r != nil {
		c.errorHandler.HandleErrorMessage(fmt.Sprintf("thread %d: panic: %v", thread, r))
	}
}

// Stop signals every running thread to finish after its current run.
func (c *Coordinator) Stop() {
	c.stopMu.Lock()
	for _, ch := range c.stopChans {
		close(ch)
	}
	c.stopChans = nil
	c.stopMu.Unlock()
}

// RunWithRamp starts threads following ramp and blocks until every thread
// has finished or ctx is done. Threads that finish are not replaced.
func (c *Coordinator) RunWithRamp(ctx context.Context, ramp ratelimit.Ramp, script core.Script, config core.RunnerConfig) {
	rm := ratelimit.NewRampManager(ramp)
	level.Info(c.logger).Log("msg", "starting threads", "initial", ramp.Initial, "increment", ramp.Increment,
		"interval", ramp.Interval, "max", ramp.Max)

	adjust := func() {
		target := rm.TargetThreads()
		for started := c.StartedThreads(); started < target; started++ {
			c.spawnWithStop(ctx, script, config)
		}
	}

	adjust()
	ticker := time.NewTicker(rampTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			c.Wait()
			return
		case <-ticker.C:
			adjust()
			if rm.IsComplete() && c.ActiveThreads() == 0 {
				c.Wait()
				return
			}
		}
	}
}
