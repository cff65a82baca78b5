// Package collector turns the console's aggregated statistics into results.
package collector

import (
	"math"
	"time"

	"grindstone/internal/statistics"
)

// TestMetrics is one row of the results table. Times are milliseconds.
type TestMetrics struct {
	Test      statistics.Test
	Composite bool
	Tests     int64
	Errors    int64
	MeanTime  float64
	StdDev    float64
	TPS       float64
	PeakTPS   float64
}

// ErrorRate returns errors as a percentage of tests plus errors.
func (m TestMetrics) ErrorRate() float64 {
	total := m.Tests + m.Errors
	if total == 0 {
		return 0
	}
	return float64(m.Errors) / float64(total) * 100
}

// Metrics is a complete results table.
type Metrics struct {
	Rows            []TestMetrics
	Totals          TestMetrics
	CompositeTotals *TestMetrics // nil without composite tests
	TestDuration    time.Duration
}

type indices struct {
	timed   statistics.LongSampleIndex
	untimed statistics.LongIndex
	errors  statistics.LongIndex
	peak    statistics.DoubleIndex
}

func indicesFor(layout *statistics.IndexMap) indices {
	peak, _ := layout.DoubleIndex(statistics.PeakTPS)
	return indices{
		timed:   layout.MustLongSampleIndex(statistics.TimedTests),
		untimed: layout.MustLongIndex(statistics.UntimedTests),
		errors:  layout.MustLongIndex(statistics.Errors),
		peak:    peak,
	}
}

func (ix indices) row(test statistics.Test, s *statistics.Set, duration time.Duration) TestMetrics {
	timed := s.Sample(ix.timed)
	m := TestMetrics{
		Test:      test,
		Composite: s.IsComposite(),
		Tests:     timed.Count + s.Long(ix.untimed),
		Errors:    s.Long(ix.errors),
		MeanTime:  timed.Mean(),
		StdDev:    math.Sqrt(timed.Variance),
		PeakTPS:   s.Double(ix.peak),
	}
	if duration > 0 {
		m.TPS = float64(m.Tests) / duration.Seconds()
	}
	return m
}

// ComputeMetrics computes the results table for the cumulative statistics
// of a run lasting testDuration. Rows are ordered by test number. Pure
// function, no side effects.
func ComputeMetrics(cumulative *statistics.TestStatisticsMap, testDuration time.Duration) *Metrics {
	ix := indicesFor(cumulative.Layout())
	m := &Metrics{TestDuration: testDuration}

	snapshot := cumulative.Snapshot()
	tests := snapshot.Tests()
	statistics.SortTests(tests)
	for _, test := range tests {
		s, _ := snapshot.Get(test)
		m.Rows = append(m.Rows, ix.row(test, s, testDuration))
	}

	m.Totals = ix.row(statistics.Test{Description: "Totals"}, snapshot.NonCompositeStatisticsTotals(), testDuration)
	m.Totals.PeakTPS = 0
	composite := snapshot.CompositeStatisticsTotals()
	if composite.IsComposite() {
		totals := ix.row(statistics.Test{Description: "Totals"}, composite, testDuration)
		totals.PeakTPS = 0
		m.CompositeTotals = &totals
	}
	return m
}

// IntervalMetrics summarises one sample interval across every
// non-composite test.
type IntervalMetrics struct {
	Tests  int64
	Errors int64
	TPS    float64
}

// ComputeInterval summarises the statistics of one sample interval.
func ComputeInterval(interval *statistics.TestStatisticsMap, period time.Duration) IntervalMetrics {
	row := indicesFor(interval.Layout()).row(statistics.Test{}, interval.NonCompositeStatisticsTotals(), period)
	return IntervalMetrics{Tests: row.Tests, Errors: row.Errors, TPS: row.TPS}
}
