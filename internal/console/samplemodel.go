package console

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/core"
	"grindstone/internal/observability"
	"grindstone/internal/statistics"
)

const DefaultSampleInterval = time.Second

// State is whether the sample model records reports.
type State int

const (
	StateStopped State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "stopped"
}

// SampleListener hears about every sample the model takes. The maps are
// copies and belong to the listener.
type SampleListener interface {
	NewSample(interval, cumulative *statistics.TestStatisticsMap, period time.Duration)
	Reset()
}

// SampleModel merges statistics reports into interval and cumulative
// totals. Reports arriving while stopped are dropped.
type SampleModel struct {
	layout  *statistics.IndexMap
	timed   statistics.LongSampleIndex
	untimed statistics.LongIndex
	peakTPS statistics.DoubleIndex

	cumulative *statistics.TestStatisticsMap
	interval   *statistics.TestStatisticsMap

	// sampleMu is held for reading while reports merge and for writing
	// while a sample is taken, so no report is split across two samples.
	sampleMu   sync.RWMutex
	state      State
	lastSample time.Time
	listeners  []SampleListener

	clock    core.Clock
	observer observability.ConsoleObserver
	logger   log.Logger
}

func NewSampleModel(layout *statistics.IndexMap, opts ...Option) *SampleModel {
	o := buildOptions(opts)
	peak, _ := layout.DoubleIndex(statistics.PeakTPS)
	return &SampleModel{
		layout:     layout,
		timed:      layout.MustLongSampleIndex(statistics.TimedTests),
		untimed:    layout.MustLongIndex(statistics.UntimedTests),
		peakTPS:    peak,
		cumulative: statistics.NewTestStatisticsMap(layout),
		interval:   statistics.NewTestStatisticsMap(layout),
		lastSample: o.clock.Now(),
		clock:      o.clock,
		observer:   o.consoleMetrics,
		logger:     o.logger,
	}
}

func (m *SampleModel) AddListener(l SampleListener) {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RegisterTests adds empty entries for tests the model has not seen, so
// they show up before their first report.
func (m *SampleModel) RegisterTests(tests []statistics.Test) {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()
	for _, test := range tests {
		if _, ok := m.cumulative.Get(test); !ok {
			_ = m.cumulative.Put(test, m.layout.NewSet())
		}
		if _, ok := m.interval.Get(test); !ok {
			_ = m.interval.Put(test, m.layout.NewSet())
		}
	}
}

// AddTestReport merges a report into the interval and cumulative totals.
func (m *SampleModel) AddTestReport(report *statistics.TestStatisticsMap) error {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()

	if m.state != StateRecording {
		level.Debug(m.logger).Log("msg", "dropping report while stopped", "tests", report.Len())
		return nil
	}
	if err := m.interval.Add(report); err != nil {
		return err
	}
	if err := m.cumulative.Add(report); err != nil {
		return err
	}
	m.observer.ReportMerged(report.Len())
	return nil
}

// Start begins recording.
func (m *SampleModel) Start() {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if m.state == StateRecording {
		return
	}
	m.state = StateRecording
	m.lastSample = m.clock.Now()
	m.observer.Recording(true)
	level.Info(m.logger).Log("msg", "recording started")
}

// Stop stops recording. The totals are kept.
func (m *SampleModel) Stop() {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if m.state == StateStopped {
		return
	}
	m.state = StateStopped
	m.observer.Recording(false)
	level.Info(m.logger).Log("msg", "recording stopped")
}

// Reset zeroes the totals, keeping the registered tests and the state.
func (m *SampleModel) Reset() {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	m.cumulative.Reset()
	m.interval.Reset()
	m.lastSample = m.clock.Now()
	for _, l := range m.listeners {
		l.Reset()
	}
	level.Info(m.logger).Log("msg", "statistics reset")
}

func (m *SampleModel) State() State {
	m.sampleMu.RLock()
	defer m.sampleMu.RUnlock()
	return m.state
}

// Totals returns the cumulative totals of every non-composite test.
func (m *SampleModel) Totals() *statistics.Set {
	return m.cumulative.NonCompositeStatisticsTotals()
}

// Cumulative returns a copy of the cumulative statistics.
func (m *SampleModel) Cumulative() *statistics.TestStatisticsMap {
	return m.cumulative.Snapshot()
}

// Sample closes the current interval: it raises each test's peak TPS,
// hands copies to the listeners and starts a new interval. Nothing is
// sampled while stopped.
func (m *SampleModel) Sample() {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	now := m.clock.Now()
	period := now.Sub(m.lastSample)
	m.lastSample = now
	if m.state != StateRecording || period <= 0 {
		return
	}

	interval := m.interval.Snapshot()
	m.interval.Reset()

	m.cumulative.ForEach(func(test statistics.Test, s *statistics.Set) {
		is, ok := interval.Get(test)
		if !ok {
			return
		}
		tps := float64(is.Count(m.timed)+is.Long(m.untimed)) / period.Seconds()
		if tps > s.Double(m.peakTPS) {
			s.SetDouble(m.peakTPS, tps)
		}
	})

	for _, l := range m.listeners {
		l.NewSample(interval.Snapshot(), m.cumulative.Snapshot(), period)
	}
}

// Run samples every interval until ctx is done.
func (m *SampleModel) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}
