package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	rowFormat    = "%-10s %10s %10s %12s %12s %10s %10s"
	headerFormat = " " + rowFormat + "\n"
)

// FormatText writes the results table in human-readable format. Composite
// rows are parenthesized.
func FormatText(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	if m == nil || len(m.Rows) == 0 {
		fmt.Fprintln(w, "No statistics collected")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Grindstone - Results")
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:   %v\n", m.TestDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Tests:      %s\n", formatNumber(m.Totals.Tests))
	fmt.Fprintf(w, "Errors:     %s (%.2f%%)\n", formatNumber(m.Totals.Errors), m.Totals.ErrorRate())
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, headerFormat, "", "Tests", "Errors", "Mean (ms)", "StdDev (ms)", "TPS", "Peak TPS")

	for _, row := range m.Rows {
		name := "Test " + strconv.Itoa(row.Test.Number)
		fmt.Fprintln(w, formatRow(name, row, row.Test.Description))
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, formatRow("Totals", m.Totals, ""))
	if m.CompositeTotals != nil {
		fmt.Fprintln(w, formatRow("Totals", *m.CompositeTotals, ""))
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s %s (actual: %s)\n",
				symbol, result.Name, result.Threshold, result.Actual)
		}
	}
}

func formatRow(name string, m TestMetrics, description string) string {
	row := fmt.Sprintf(rowFormat, name,
		formatNumber(m.Tests),
		formatNumber(m.Errors),
		strconv.FormatFloat(m.MeanTime, 'f', 2, 64),
		strconv.FormatFloat(m.StdDev, 'f', 2, 64),
		strconv.FormatFloat(m.TPS, 'f', 2, 64),
		strconv.FormatFloat(m.PeakTPS, 'f', 2, 64))
	if m.Composite {
		row = "(" + row + ")"
	} else {
		row = " " + row
	}
	if description != "" {
		row += "  " + strconv.Quote(description)
	}
	return row
}

// FormatJSON writes the results table in JSON format.
func FormatJSON(w io.Writer, m *Metrics, thresholds *ThresholdResults) {
	output := struct {
		Duration        string            `json:"duration"`
		Tests           []jsonTestMetrics `json:"tests"`
		Totals          jsonTestMetrics   `json:"totals"`
		CompositeTotals *jsonTestMetrics  `json:"compositeTotals,omitempty"`
		Thresholds      *ThresholdResults `json:"thresholds,omitempty"`
	}{
		Tests:      make([]jsonTestMetrics, 0),
		Thresholds: thresholds,
	}

	if m != nil {
		output.Duration = m.TestDuration.Round(time.Millisecond).String()
		for _, row := range m.Rows {
			output.Tests = append(output.Tests, toJSONTestMetrics(row))
		}
		output.Totals = toJSONTestMetrics(m.Totals)
		if m.CompositeTotals != nil {
			totals := toJSONTestMetrics(*m.CompositeTotals)
			output.CompositeTotals = &totals
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonTestMetrics struct {
	Number      int     `json:"number,omitempty"`
	Description string  `json:"description,omitempty"`
	Composite   bool    `json:"composite,omitempty"`
	Tests       int64   `json:"tests"`
	Errors      int64   `json:"errors"`
	MeanTime    float64 `json:"meanTimeMs"`
	StdDev      float64 `json:"stdDevMs"`
	TPS         float64 `json:"tps"`
	PeakTPS     float64 `json:"peakTps"`
}

func toJSONTestMetrics(m TestMetrics) jsonTestMetrics {
	return jsonTestMetrics{
		Number:      m.Test.Number,
		Description: m.Test.Description,
		Composite:   m.Composite,
		Tests:       m.Tests,
		Errors:      m.Errors,
		MeanTime:    m.MeanTime,
		StdDev:      m.StdDev,
		TPS:         m.TPS,
		PeakTPS:     m.PeakTPS,
	}
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
