package statistics

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Set is a vector of statistic values laid out by an IndexMap.
//
// A Set is not safe for concurrent use. Sets held in a TestStatisticsMap are
// protected by that map's lock.
type Set struct {
	layout    *IndexMap
	longs     []int64
	doubles   []float64
	composite bool
}

// Layout returns the index map the set was created from.
func (s *Set) Layout() *IndexMap { return s.layout }

func (s *Set) Long(i LongIndex) int64             { return s.longs[i.value] }
func (s *Set) SetLong(i LongIndex, v int64)       { s.longs[i.value] = v }
func (s *Set) AddLong(i LongIndex, v int64)       { s.longs[i.value] += v }
func (s *Set) Double(i DoubleIndex) float64       { return s.doubles[i.value] }
func (s *Set) SetDouble(i DoubleIndex, v float64) { s.doubles[i.value] = v }
func (s *Set) AddDouble(i DoubleIndex, v float64) { s.doubles[i.value] += v }

// AddSample records one observation of a long sample statistic.
func (s *Set) AddSample(i LongSampleIndex, v int64) {
	i.store(s, i.sample(s).Add(float64(v)))
}

// AddDoubleSample records one observation of a double sample statistic.
func (s *Set) AddDoubleSample(i DoubleSampleIndex, v float64) {
	i.store(s, i.sample(s).Add(v))
}

// Sample returns the current value of a sample statistic.
func (s *Set) Sample(i SampleIndex) Sample { return i.sample(s) }

func (s *Set) Count(i SampleIndex) int64      { return s.longs[i.CountIndex().value] }
func (s *Set) Variance(i SampleIndex) float64 { return s.doubles[i.VarianceIndex().value] }
func (s *Set) Sum(i SampleIndex) float64      { return i.sample(s).Sum }

// ResetSample zeroes the three slots of one sample statistic.
func (s *Set) ResetSample(i SampleIndex) {
	i.store(s, Sample{})
}

// Reset zeroes every slot and clears the composite flag.
func (s *Set) Reset() {
	clear(s.longs)
	clear(s.doubles)
	s.composite = false
}

// SetIsComposite marks the set as derived from other sets. The flag stays
// set until Reset.
func (s *Set) SetIsComposite() { s.composite = true }

func (s *Set) IsComposite() bool { return s.composite }

// Add accumulates other into s. Sample variances are pooled, last-value
// slots take other's value unless it is zero, and the composite flag becomes
// the logical OR.
func (s *Set) Add(other *Set) error {
	if !s.layout.compatible(other.layout) {
		return ErrLayoutMismatch
	}

	samples := s.layout.sampleIndices()
	combined := make([]Sample, len(samples))
	for n, idx := range samples {
		combined[n] = idx.sample(s).Combine(idx.sample(other))
	}

	for n, v := range other.longs {
		if s.layout.lastValue[n] {
			if v != 0 {
				s.longs[n] = v
			}
			continue
		}
		s.longs[n] += v
	}
	for n, v := range other.doubles {
		s.doubles[n] += v
	}
	for n, idx := range samples {
		s.doubles[idx.VarianceIndex().value] = combined[n].Variance
	}

	s.composite = s.composite || other.composite
	return nil
}

// Snapshot returns an independent copy.
func (s *Set) Snapshot() *Set {
	return &Set{
		layout:    s.layout,
		longs:     append([]int64(nil), s.longs...),
		doubles:   append([]float64(nil), s.doubles...),
		composite: s.composite,
	}
}

// IsZero reports whether every slot holds zero.
func (s *Set) IsZero() bool {
	for _, v := range s.longs {
		if v != 0 {
			return false
		}
	}
	for _, v := range s.doubles {
		if v != 0 {
			return false
		}
	}
	return true
}

// Equal compares every slot and the composite flag.
func (s *Set) Equal(other *Set) bool {
	if other == nil || s.composite != other.composite ||
		len(s.longs) != len(other.longs) || len(s.doubles) != len(other.doubles) {
		return false
	}
	for n, v := range s.longs {
		if other.longs[n] != v {
			return false
		}
	}
	for n, v := range s.doubles {
		if math.Float64bits(other.doubles[n]) != math.Float64bits(v) && other.doubles[n] != v {
			return false
		}
	}
	return true
}

// Hash is consistent with Equal.
func (s *Set) Hash() uint64 {
	d := xxhash.New()
	var b [8]byte
	for _, v := range s.longs {
		binary.BigEndian.PutUint64(b[:], uint64(v))
		_, _ = d.Write(b[:])
	}
	for _, v := range s.doubles {
		if v == 0 {
			v = 0 // fold -0 into +0
		}
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		_, _ = d.Write(b[:])
	}
	if s.composite {
		_, _ = d.Write([]byte{1})
	}
	return d.Sum64()
}

func (s *Set) String() string {
	composite := ""
	if s.composite {
		composite = " composite"
	}
	return fmt.Sprintf("Set{longs=%v doubles=%v%s}", s.longs, s.doubles, composite)
}
