package collector_test

import (
	"fmt"
	"time"

	"grindstone/internal/collector"
	"grindstone/internal/statistics"
)

func ExampleComputeMetrics() {
	layout, _ := statistics.NewIndexMap()
	timed := layout.MustLongSampleIndex(statistics.TimedTests)

	cumulative := statistics.NewTestStatisticsMap(layout)
	s := layout.NewSet()
	for _, ms := range []int64{10, 20, 30} {
		s.AddSample(timed, ms)
	}
	_ = cumulative.Put(statistics.Test{Number: 1, Description: "api"}, s)

	m := collector.ComputeMetrics(cumulative, time.Second)

	fmt.Printf("Tests: %d, Mean: %.0fms, TPS: %.0f\n", m.Totals.Tests, m.Totals.MeanTime, m.Totals.TPS)
	// Output: Tests: 3, Mean: 20ms, TPS: 3
}

func ExampleCollector_DroppedSamples() {
	c := collector.NewCollector()

	// After the run, check if any samples were dropped
	c.Close()

	if dropped := c.DroppedSamples(); dropped > 0 {
		fmt.Printf("Warning: %d samples dropped\n", dropped)
	} else {
		fmt.Println("No samples dropped")
	}
	// Output: No samples dropped
}
