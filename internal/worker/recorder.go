// Package worker records the outcome of script runs and reports them to the
// console.
package worker

import (
	"sync"
	"time"

	"grindstone/internal/statistics"
)

// Recorder accumulates per-test statistics for every thread of a worker.
// Timed tests are sampled in milliseconds.
type Recorder struct {
	mu       sync.Mutex
	layout   *statistics.IndexMap
	timed    statistics.LongSampleIndex
	errors   statistics.LongIndex
	untimed  statistics.LongIndex
	tests    *statistics.TestStatisticsMap
	newTests []statistics.Test
}

func NewRecorder(layout *statistics.IndexMap) *Recorder {
	return &Recorder{
		layout:  layout,
		timed:   layout.MustLongSampleIndex(statistics.TimedTests),
		errors:  layout.MustLongIndex(statistics.Errors),
		untimed: layout.MustLongIndex(statistics.UntimedTests),
		tests:   statistics.NewTestStatisticsMap(layout),
	}
}

func (r *Recorder) RecordSuccess(test statistics.Test, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsFor(test).AddSample(r.timed, elapsed.Milliseconds())
}

func (r *Recorder) RecordError(test statistics.Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsFor(test).AddLong(r.errors, 1)
}

// RecordUntimed counts a successful test whose time was not measured.
func (r *Recorder) RecordUntimed(test statistics.Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsFor(test).AddLong(r.untimed, 1)
}

func (r *Recorder) UpdateStatistics(test statistics.Test, fn func(s *statistics.Set)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.statsFor(test))
}

func (r *Recorder) statsFor(test statistics.Test) *statistics.Set {
	if s, ok := r.tests.Get(test); ok {
		return s
	}
	s := r.layout.NewSet()
	_ = r.tests.Put(test, s) // same layout
	r.newTests = append(r.newTests, test)
	return s
}

// TakeNewTests returns the tests first recorded since the previous call.
func (r *Recorder) TakeNewTests() []statistics.Test {
	r.mu.Lock()
	defer r.mu.Unlock()
	tests := r.newTests
	r.newTests = nil
	return tests
}

// TakeDelta returns the statistics recorded since the previous call and
// zeroes the accumulators. Every test seen so far is present in the result.
func (r *Recorder) TakeDelta() *statistics.TestStatisticsMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta := r.tests.Snapshot()
	r.tests.Reset()
	return delta
}
