package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds defines pass/fail criteria checked against the totals.
type Thresholds struct {
	MeanTime  time.Duration `yaml:"mean_time"`
	ErrorRate string        `yaml:"error_rate"`
	MinTPS    float64       `yaml:"min_tps"`
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Validate reports malformed thresholds before a run starts.
func (t *Thresholds) Validate() error {
	if t == nil {
		return nil
	}
	if t.MeanTime < 0 || t.MinTPS < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if t.ErrorRate != "" {
		if _, err := parsePercentage(t.ErrorRate); err != nil {
			return err
		}
	}
	return nil
}

// Check evaluates all thresholds against computed metrics.
func (t *Thresholds) Check(m *Metrics) *ThresholdResults {
	if t == nil {
		return &ThresholdResults{Passed: true, Results: nil}
	}

	results := &ThresholdResults{
		Passed:  true,
		Results: make([]ThresholdResult, 0),
	}
	var totals TestMetrics
	if m != nil {
		totals = m.Totals
	}

	if t.MeanTime > 0 {
		actual := time.Duration(totals.MeanTime * float64(time.Millisecond))
		results.add(ThresholdResult{
			Name:      "mean_time",
			Passed:    actual < t.MeanTime,
			Threshold: "< " + FormatDuration(t.MeanTime),
			Actual:    FormatDuration(actual),
		})
	}

	if t.ErrorRate != "" {
		if threshold, err := parsePercentage(t.ErrorRate); err == nil {
			actual := totals.ErrorRate()
			results.add(ThresholdResult{
				Name:      "error_rate",
				Passed:    actual < threshold,
				Threshold: "< " + t.ErrorRate,
				Actual:    fmt.Sprintf("%.2f%%", actual),
			})
		}
	}

	if t.MinTPS > 0 {
		results.add(ThresholdResult{
			Name:      "tps",
			Passed:    totals.TPS >= t.MinTPS,
			Threshold: fmt.Sprintf(">= %.2f", t.MinTPS),
			Actual:    fmt.Sprintf("%.2f", totals.TPS),
		})
	}

	return results
}

func (r *ThresholdResults) add(result ThresholdResult) {
	if !result.Passed {
		r.Passed = false
	}
	r.Results = append(r.Results, result)
}

func parsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("invalid percentage format: %s", s)
	}
	s = strings.TrimSuffix(s, "%")
	return strconv.ParseFloat(s, 64)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
