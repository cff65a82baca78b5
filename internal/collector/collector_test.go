package collector

import (
	"math"
	"testing"
	"time"

	"grindstone/internal/core"
	"grindstone/internal/statistics"
)

func TestCollector_FollowsSamples(t *testing.T) {
	layout := newLayout(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	c := NewCollectorWithClock(clock)

	if c.Compute() != nil {
		t.Error("expected no metrics before the first sample")
	}

	cumulative := cumulativeMap(t, layout)
	clock.Advance(2 * time.Second)
	c.NewSample(cumulative.Snapshot(), cumulative.Snapshot(), time.Second)
	c.Close()

	if c.Intervals() != 1 {
		t.Fatalf("expected 1 interval, got %d", c.Intervals())
	}
	latest := c.Latest()
	if latest.Tests != 3 || latest.TPS != 3 {
		t.Errorf("unexpected latest interval %+v", latest)
	}

	m := c.Compute()
	if m == nil {
		t.Fatal("expected metrics")
	}
	if m.TestDuration != time.Second {
		t.Errorf("expected the sampled 1s as the duration, got %v", m.TestDuration)
	}
	if m.Totals.PeakTPS != 3 {
		t.Errorf("expected the peak interval TPS in the totals, got %v", m.Totals.PeakTPS)
	}
}

func TestCollector_DurationExcludesTimeBeforeRecording(t *testing.T) {
	layout := newLayout(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	c := NewCollectorWithClock(clock)

	// Waiting for agents; nothing is sampled.
	clock.Advance(20 * time.Second)

	cumulative := cumulativeMap(t, layout)
	empty := statistics.NewTestStatisticsMap(layout)
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		c.NewSample(empty.Snapshot(), cumulative.Snapshot(), time.Second)
	}
	c.Close()

	m := c.Compute()
	if m == nil {
		t.Fatal("expected metrics")
	}
	if m.TestDuration != 10*time.Second {
		t.Errorf("expected 10s recorded, got %v", m.TestDuration)
	}
	if m.Totals.Tests != 3 {
		t.Fatalf("expected 3 tests, got %d", m.Totals.Tests)
	}
	if math.Abs(m.Totals.TPS-0.3) > 1e-9 {
		t.Errorf("expected 0.3 TPS, got %v", m.Totals.TPS)
	}
}

func TestCollector_ResetRestartsDuration(t *testing.T) {
	layout := newLayout(t)
	clock := core.NewFakeClock(time.Unix(0, 0))
	c := NewCollectorWithClock(clock)

	cumulative := cumulativeMap(t, layout)
	c.NewSample(cumulative.Snapshot(), cumulative.Snapshot(), 5*time.Second)
	c.Reset()
	c.NewSample(cumulative.Snapshot(), cumulative.Snapshot(), 2*time.Second)
	c.Close()

	if d := c.Duration(); d != 2*time.Second {
		t.Errorf("expected 2s after the reset, got %v", d)
	}
}

func TestCollector_Reset(t *testing.T) {
	layout := newLayout(t)
	c := NewCollector()

	cumulative := cumulativeMap(t, layout)
	c.NewSample(cumulative, cumulative, time.Second)
	c.Reset()
	c.Close()

	if c.Compute() != nil || c.Intervals() != 0 || c.Latest() != (IntervalMetrics{}) {
		t.Error("expected the reset to clear the collector")
	}
}

func TestCollector_CloseIsIdempotent(t *testing.T) {
	c := NewCollector()
	c.Close()
	c.Close()

	// Samples after close are ignored
	tm := statistics.NewTestStatisticsMap(newLayout(t))
	c.NewSample(tm, tm, time.Second)
	if c.DroppedSamples() != 0 {
		t.Errorf("expected no dropped samples, got %d", c.DroppedSamples())
	}
}

func TestCollector_ConcurrentSamples(t *testing.T) {
	layout := newLayout(t)
	c := NewCollector()

	done := make(chan struct{})
	for g := 0; g < 10; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 10; i++ {
				tm := statistics.NewTestStatisticsMap(layout)
				c.NewSample(tm, tm, time.Second)
			}
		}()
	}
	for g := 0; g < 10; g++ {
		<-done
	}
	c.Close()

	if got := int64(c.Intervals()) + c.DroppedSamples(); got != 100 {
		t.Errorf("expected 100 samples collected or dropped, got %d", got)
	}
}
