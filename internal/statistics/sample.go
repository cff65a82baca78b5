package statistics

// Sample is the value form of a sample statistic. Variance is the population
// variance of the observations folded into it.
type Sample struct {
	Count    int64
	Sum      float64
	Variance float64
}

// Mean returns Sum/Count, or 0 for an empty sample.
func (s Sample) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Add folds one observation into the sample using the single pass
// sum-of-squared-deviations update.
func (s Sample) Add(v float64) Sample {
	oldMean := s.Mean()
	sumOfSquares := s.Variance * float64(s.Count)

	n := s.Count + 1
	delta := v - oldMean
	newMean := oldMean + delta/float64(n)
	sumOfSquares += delta * (v - newMean)

	return Sample{
		Count:    n,
		Sum:      s.Sum + v,
		Variance: sumOfSquares / float64(n),
	}
}

// Combine merges two samples as if every observation of o had been added to s.
func (s Sample) Combine(o Sample) Sample {
	if o.Count == 0 {
		return s
	}
	if s.Count == 0 {
		return o
	}

	n := s.Count + o.Count
	delta := o.Mean() - s.Mean()
	sumOfSquares := s.Variance*float64(s.Count) +
		o.Variance*float64(o.Count) +
		delta*delta*float64(s.Count)*float64(o.Count)/float64(n)

	return Sample{
		Count:    n,
		Sum:      s.Sum + o.Sum,
		Variance: sumOfSquares / float64(n),
	}
}
