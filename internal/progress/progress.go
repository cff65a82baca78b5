// Package progress prints a one-line summary of a running test.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"grindstone/internal/collector"
)

const DefaultInterval = time.Second

// Fleet reports how many agents are connected.
type Fleet interface {
	NumberOfLiveAgents() int
}

type Progress struct {
	startTime time.Time
	collector *collector.Collector
	fleet     Fleet
	interval  time.Duration
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   atomic.Bool
	quiet     bool
	output    io.Writer
	mu        sync.Mutex
}

func NewProgress(c *collector.Collector, fleet Fleet, quiet bool) *Progress {
	return &Progress{
		collector: c,
		fleet:     fleet,
		interval:  DefaultInterval,
		quiet:     quiet,
		output:    os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

// SetInterval changes how often the line is refreshed. Call before Start.
func (p *Progress) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

func (p *Progress) Start() {
	if p.quiet {
		return
	}
	p.startTime = time.Now()
	p.stopCh = make(chan struct{})
	p.ticker = time.NewTicker(p.interval)
	go p.run()
}

func (p *Progress) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	elapsed := time.Since(p.startTime).Round(time.Second)
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60

	var tests, errors int64
	if m := p.collector.Compute(); m != nil {
		tests, errors = m.Totals.Tests, m.Totals.Errors
	}
	errorRate := 0.0
	if tests+errors > 0 {
		errorRate = float64(errors) / float64(tests+errors) * 100
	}
	agents := 0
	if p.fleet != nil {
		agents = p.fleet.NumberOfLiveAgents()
	}

	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K[%02d:%02d] Agents: %d | Tests: %d | TPS: %.1f | Errors: %d (%.1f%%)\r",
		mins, secs, agents, tests, p.collector.Latest().TPS, errors, errorRate)
	p.mu.Unlock()
}

func (p *Progress) Stop() {
	if p.quiet || p.stopped.Swap(true) {
		return
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K")
	p.mu.Unlock()
}

func (p *Progress) Print(message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K%s\n", message)
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K"+format+"\n", args...)
	p.mu.Unlock()
}
