package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grindstone/internal/core"
	"grindstone/internal/ratelimit"
	"grindstone/internal/statistics"
)

var testOne = statistics.Test{Number: 1, Description: "mock"}

// countingRecorder counts outcomes per thread.
type countingRecorder struct {
	mu        sync.Mutex
	successes int
	errors    int
}

func (r *countingRecorder) RecordSuccess(statistics.Test, time.Duration) {
	r.mu.Lock()
	r.successes++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordError(statistics.Test) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

func (r *countingRecorder) Successes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes
}

// mockScript tracks how many times it was run and by which threads.
type mockScript struct {
	runCount atomic.Int32
	delay    time.Duration
	mu       sync.Mutex
	threads  map[int]bool
}

func (m *mockScript) Run(ctx context.Context, thread int, rec core.Recorder) error {
	m.runCount.Add(1)
	m.mu.Lock()
	if m.threads == nil {
		m.threads = make(map[int]bool)
	}
	m.threads[thread] = true
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	rec.RecordSuccess(testOne, m.delay)
	return nil
}

func (m *mockScript) Threads() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]bool, len(m.threads))
	for k, v := range m.threads {
		out[k] = v
	}
	return out
}

func TestCoordinator_SpawnsCorrectNumberOfThreads(t *testing.T) {
	rec := &countingRecorder{}
	coord := NewCoordinator(rec, &core.MockErrorHandler{})

	script := &mockScript{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	coord.Spawn(ctx, 5, script, core.RunnerConfig{})
	coord.Wait()

	// Each thread should run at least once
	if script.runCount.Load() < 5 {
		t.Errorf("expected at least 5 script runs, got %d", script.runCount.Load())
	}
	threads := script.Threads()
	for i := 0; i < 5; i++ {
		if !threads[i] {
			t.Errorf("expected thread %d to run, got %v", i, threads)
		}
	}
}

func TestCoordinator_ThreadsRunConcurrently(t *testing.T) {
	coord := NewCoordinator(&countingRecorder{}, &core.MockErrorHandler{})

	script := &mockScript{delay: 50 * time.Millisecond}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	coord.Spawn(ctx, 5, script, core.RunnerConfig{})
	coord.Wait()

	// Sequential threads would take 5*50ms at least per round
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("threads don't appear to run concurrently, took %v", elapsed)
	}
}

func TestCoordinator_MaxRunsAndWarmup(t *testing.T) {
	rec := &countingRecorder{}
	handler := &core.MockErrorHandler{}
	coord := NewCoordinator(rec, handler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	coord.Spawn(ctx, 2, &mockScript{}, core.RunnerConfig{MaxRuns: 5, WarmupRuns: 1})
	coord.Wait()

	// 2 threads * (5 runs - 1 warmup)
	if got := rec.Successes(); got != 8 {
		t.Errorf("expected 8 recorded successes, got %d", got)
	}
	if len(handler.Errors()) != 0 {
		t.Errorf("expected no errors, got %v", handler.Errors())
	}
	if coord.ActiveThreads() != 0 {
		t.Errorf("expected 0 active threads, got %d", coord.ActiveThreads())
	}
}

func TestCoordinator_ScriptErrorEndsThread(t *testing.T) {
	handler := &core.MockErrorHandler{}
	coord := NewCoordinator(&countingRecorder{}, handler)

	failure := errors.New("script failed")
	var runs atomic.Int32
	script := core.ScriptFunc(func(ctx context.Context, thread int, rec core.Recorder) error {
		runs.Add(1)
		return failure
	})

	coord.Spawn(context.Background(), 3, script, core.RunnerConfig{})
	coord.Wait()

	if runs.Load() != 3 {
		t.Errorf("expected each thread to run once, got %d runs", runs.Load())
	}
	errs := handler.Errors()
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %v", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, failure) {
			t.Errorf("expected script error, got %v", err)
		}
	}
}

func TestCoordinator_RecoversPanics(t *testing.T) {
	handler := &core.MockErrorHandler{}
	coord := NewCoordinator(&countingRecorder{}, handler)

	script := core.ScriptFunc(func(ctx context.Context, thread int, rec core.Recorder) error {
		panic("boom")
	})

	coord.Spawn(context.Background(), 2, script, core.RunnerConfig{})
	coord.Wait()

	if got := len(handler.Messages()); got != 2 {
		t.Errorf("expected 2 panic reports, got %d", got)
	}
	if coord.ActiveThreads() != 0 {
		t.Errorf("expected 0 active threads, got %d", coord.ActiveThreads())
	}
}

func TestCoordinator_CancellationIsNotAnError(t *testing.T) {
	handler := &core.MockErrorHandler{}
	coord := NewCoordinator(&countingRecorder{}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Spawn(ctx, 3, &mockScript{delay: time.Second}, core.RunnerConfig{})
	cancel()
	coord.Wait()

	if len(handler.Errors()) != 0 {
		t.Errorf("expected no errors after cancellation, got %v", handler.Errors())
	}
}

func TestCoordinator_Stop(t *testing.T) {
	coord := NewCoordinator(&countingRecorder{}, &core.MockErrorHandler{})

	coord.Spawn(context.Background(), 4, &mockScript{delay: 5 * time.Millisecond}, core.RunnerConfig{})
	coord.Stop()

	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("threads did not stop")
	}
}

func TestCoordinator_RunWithRamp(t *testing.T) {
	coord := NewCoordinator(&countingRecorder{}, &core.MockErrorHandler{})
	script := &mockScript{delay: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	ramp := ratelimit.Ramp{Initial: 1, Increment: 1, Interval: 100 * time.Millisecond, Max: 10}
	coord.RunWithRamp(ctx, ramp, script, core.RunnerConfig{})

	// About four threads in 350ms; far fewer than the maximum
	started := coord.StartedThreads()
	if started < 2 || started > 6 {
		t.Errorf("expected 2-6 threads during the ramp, got %d", started)
	}
	if coord.ActiveThreads() != 0 {
		t.Errorf("expected 0 active threads after cancellation, got %d", coord.ActiveThreads())
	}
}

func TestCoordinator_RunWithRamp_ReturnsWhenThreadsFinish(t *testing.T) {
	rec := &countingRecorder{}
	coord := NewCoordinator(rec, &core.MockErrorHandler{})

	done := make(chan struct{})
	go func() {
		coord.RunWithRamp(context.Background(), ratelimit.Ramp{Max: 3}, &mockScript{}, core.RunnerConfig{MaxRuns: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunWithRamp did not return after every thread finished")
	}

	if coord.StartedThreads() != 3 {
		t.Errorf("finished threads should not be replaced, started %d", coord.StartedThreads())
	}
	if rec.Successes() != 6 {
		t.Errorf("expected 6 successes, got %d", rec.Successes())
	}
}
