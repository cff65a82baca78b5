package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"grindstone/internal/core"
	"grindstone/internal/statistics"
)

// sample is one interval handed over by the console's sample model. A
// reset sample clears everything collected before it.
type sample struct {
	interval   *statistics.TestStatisticsMap
	cumulative *statistics.TestStatisticsMap
	period     time.Duration
	reset      bool
}

// Collector follows the console's samples and keeps what the results table
// and progress line need.
type Collector struct {
	ch      chan sample
	done    chan struct{}
	sendMu  sync.RWMutex
	closed  bool
	dropped atomic.Int64
	clock   core.Clock

	mu         sync.Mutex
	cumulative *statistics.TestStatisticsMap
	last       IntervalMetrics
	peakTPS    float64
	intervals  int
	recorded   time.Duration // sum of the sample periods
	startTime  time.Time
	endTime    time.Time
}

// NewCollector creates a new Collector and starts its collection goroutine.
func NewCollector() *Collector {
	return NewCollectorWithClock(core.RealClock{})
}

// NewCollectorWithClock creates a Collector with a custom clock (for testing).
func NewCollectorWithClock(clock core.Clock) *Collector {
	c := &Collector{
		ch:        make(chan sample, 1000),
		done:      make(chan struct{}),
		clock:     clock,
		startTime: clock.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for s := range c.ch {
		c.mu.Lock()
		if s.reset {
			c.cumulative = nil
			c.last = IntervalMetrics{}
			c.peakTPS = 0
			c.intervals = 0
			c.recorded = 0
			c.startTime = c.clock.Now()
		} else {
			c.cumulative = s.cumulative
			c.last = ComputeInterval(s.interval, s.period)
			c.peakTPS = max(c.peakTPS, c.last.TPS)
			c.intervals++
			c.recorded += s.period
		}
		c.mu.Unlock()
	}
	close(c.done)
}

func (c *Collector) report(s sample) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- s:
	default:
		c.dropped.Add(1)
	}
}

// NewSample takes one interval from the sample model. The maps are owned by
// the collector afterwards. Thread-safe.
func (c *Collector) NewSample(interval, cumulative *statistics.TestStatisticsMap, period time.Duration) {
	c.report(sample{interval: interval, cumulative: cumulative, period: period})
}

// Reset forgets everything collected so far. Thread-safe.
func (c *Collector) Reset() {
	c.report(sample{reset: true})
}

// Close stops accepting samples and waits for the queued ones.
func (c *Collector) Close() {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	close(c.ch)
	c.sendMu.Unlock()

	c.mu.Lock()
	c.endTime = c.clock.Now()
	c.mu.Unlock()
	<-c.done
}

// DroppedSamples returns how many samples were dropped because the
// collection goroutine fell behind.
func (c *Collector) DroppedSamples() int64 {
	return c.dropped.Load()
}

// Duration returns the recorded time: the sum of the sample periods. Before
// the first sample it is the time since the collector started or was last
// reset, up to Close.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorded > 0 {
		return c.recorded
	}
	if !c.endTime.IsZero() {
		return c.endTime.Sub(c.startTime)
	}
	return c.clock.Since(c.startTime)
}

// Latest returns the summary of the most recent interval.
func (c *Collector) Latest() IntervalMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Intervals returns how many samples have been collected.
func (c *Collector) Intervals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervals
}

// Compute builds the results table from the latest cumulative statistics.
// It returns nil before the first sample.
func (c *Collector) Compute() *Metrics {
	duration := c.Duration()
	c.mu.Lock()
	cumulative := c.cumulative
	peak := c.peakTPS
	c.mu.Unlock()
	if cumulative == nil {
		return nil
	}
	m := ComputeMetrics(cumulative, duration)
	m.Totals.PeakTPS = peak
	return m
}
