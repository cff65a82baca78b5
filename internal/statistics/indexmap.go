// Package statistics implements the fixed-slot statistics engine shared by
// workers and the console: the index registry, the accumulator sets, the
// per-test map and the wire serialiser.
package statistics

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Built-in statistic names. The declaration order in NewIndexMap is part of
// the wire contract between workers and the console.
const (
	Errors       = "errors"
	UntimedTests = "untimedTests"
	TimedTests   = "timedTests"
	PeakTPS      = "peakTPS"

	HTTPResponseStatus         = "httpplugin.responseStatusKey"
	HTTPResponseLength         = "httpplugin.responseLengthKey"
	HTTPResponseErrors         = "httpplugin.responseErrorsKey"
	HTTPDNSTime                = "httpplugin.dnsTimeKey"
	HTTPConnectTime            = "httpplugin.connectTimeKey"
	HTTPFirstByteTime          = "httpplugin.firstByteTimeKey"
	HTTPConnectionsEstablished = "httpplugin.connectionsEstablished"
)

const numberOfUserSlots = 5

// lastValueLongs hold the most recent value rather than a running total.
// Merging keeps the other set's value when it is non-zero.
var lastValueLongs = map[string]bool{
	HTTPResponseStatus: true,
}

var (
	// ErrReservedName is returned when an additional index collides with a
	// name that is already registered.
	ErrReservedName = errors.New("statistic name is reserved")

	// ErrLayoutMismatch is returned when two sets, or a set and a stream,
	// were built from index maps with different slot layouts.
	ErrLayoutMismatch = errors.New("statistics layout mismatch")
)

// LongIndex is the slot of a 64-bit integer statistic.
type LongIndex struct {
	value int
}

// Value returns the slot number.
func (i LongIndex) Value() int { return i.value }

// DoubleIndex is the slot of a floating point statistic.
type DoubleIndex struct {
	value int
}

// Value returns the slot number.
func (i DoubleIndex) Value() int { return i.value }

// SampleIndex is implemented by LongSampleIndex and DoubleSampleIndex.
type SampleIndex interface {
	CountIndex() LongIndex
	VarianceIndex() DoubleIndex
	sample(s *Set) Sample
	store(s *Set, v Sample)
}

// LongSampleIndex addresses a sample statistic with an integer sum.
type LongSampleIndex struct {
	sum      LongIndex
	count    LongIndex
	variance DoubleIndex
}

func (i LongSampleIndex) SumIndex() LongIndex        { return i.sum }
func (i LongSampleIndex) CountIndex() LongIndex      { return i.count }
func (i LongSampleIndex) VarianceIndex() DoubleIndex { return i.variance }

func (i LongSampleIndex) sample(s *Set) Sample {
	return Sample{
		Count:    s.longs[i.count.value],
		Sum:      float64(s.longs[i.sum.value]),
		Variance: s.doubles[i.variance.value],
	}
}

func (i LongSampleIndex) store(s *Set, v Sample) {
	s.longs[i.count.value] = v.Count
	s.longs[i.sum.value] = int64(v.Sum)
	s.doubles[i.variance.value] = v.Variance
}

// DoubleSampleIndex addresses a sample statistic with a floating point sum.
type DoubleSampleIndex struct {
	sum      DoubleIndex
	count    LongIndex
	variance DoubleIndex
}

func (i DoubleSampleIndex) SumIndex() DoubleIndex      { return i.sum }
func (i DoubleSampleIndex) CountIndex() LongIndex      { return i.count }
func (i DoubleSampleIndex) VarianceIndex() DoubleIndex { return i.variance }

func (i DoubleSampleIndex) sample(s *Set) Sample {
	return Sample{
		Count:    s.longs[i.count.value],
		Sum:      s.doubles[i.sum.value],
		Variance: s.doubles[i.variance.value],
	}
}

func (i DoubleSampleIndex) store(s *Set, v Sample) {
	s.longs[i.count.value] = v.Count
	s.doubles[i.sum.value] = v.Sum
	s.doubles[i.variance.value] = v.Variance
}

// IndexMap assigns every named statistic a slot. It is immutable once
// NewIndexMap returns and safe for concurrent lookups.
type IndexMap struct {
	longs         map[string]LongIndex
	doubles       map[string]DoubleIndex
	longSamples   map[string]LongSampleIndex
	doubleSamples map[string]DoubleSampleIndex

	longSampleOrder   []LongSampleIndex
	doubleSampleOrder []DoubleSampleIndex
	lastValue         map[int]bool // long slots merged by replacement

	numberOfLongs   int
	numberOfDoubles int
	fingerprint     uint64
}

// Option adds ad hoc indices to an IndexMap.
type Option func(*indexMapBuilder)

type indexMapBuilder struct {
	longSamples   []string
	doubleSamples []string
}

// WithLongSamples registers additional long sample statistics after the
// built-in ones.
func WithLongSamples(names ...string) Option {
	return func(b *indexMapBuilder) {
		b.longSamples = append(b.longSamples, names...)
	}
}

// WithDoubleSamples registers additional double sample statistics after the
// built-in ones.
func WithDoubleSamples(names ...string) Option {
	return func(b *indexMapBuilder) {
		b.doubleSamples = append(b.doubleSamples, names...)
	}
}

// BuiltInLongNames returns the scalar long statistics in declaration order.
func BuiltInLongNames() []string {
	names := []string{Errors, UntimedTests}
	for i := 0; i < numberOfUserSlots; i++ {
		names = append(names, "userLong"+strconv.Itoa(i))
	}
	return append(names,
		HTTPResponseStatus,
		HTTPResponseLength,
		HTTPResponseErrors,
		HTTPDNSTime,
		HTTPConnectTime,
		HTTPFirstByteTime,
		HTTPConnectionsEstablished,
	)
}

// BuiltInDoubleNames returns the scalar double statistics in declaration order.
func BuiltInDoubleNames() []string {
	names := []string{PeakTPS}
	for i := 0; i < numberOfUserSlots; i++ {
		names = append(names, "userDouble"+strconv.Itoa(i))
	}
	return names
}

// NewIndexMap builds the index map. Build it once at process start and pass
// it to everything that creates sets.
func NewIndexMap(opts ...Option) (*IndexMap, error) {
	b := &indexMapBuilder{longSamples: []string{TimedTests}}
	for _, opt := range opts {
		opt(b)
	}

	m := &IndexMap{
		longs:         make(map[string]LongIndex),
		doubles:       make(map[string]DoubleIndex),
		longSamples:   make(map[string]LongSampleIndex),
		doubleSamples: make(map[string]DoubleSampleIndex),
		lastValue:     make(map[int]bool),
	}

	seen := make(map[string]bool)
	digest := xxhash.New()
	reserve := func(family, name string) error {
		if seen[name] {
			return fmt.Errorf("%w: %q", ErrReservedName, name)
		}
		seen[name] = true
		_, _ = digest.WriteString(family + ":" + name + "\n")
		return nil
	}

	for _, name := range BuiltInLongNames() {
		family := "L"
		if lastValueLongs[name] {
			family = "LV"
		}
		if err := reserve(family, name); err != nil {
			return nil, err
		}
		idx := m.nextLong()
		m.longs[name] = idx
		if lastValueLongs[name] {
			m.lastValue[idx.value] = true
		}
	}
	for _, name := range BuiltInDoubleNames() {
		if err := reserve("D", name); err != nil {
			return nil, err
		}
		m.doubles[name] = m.nextDouble()
	}
	for _, name := range b.longSamples {
		if err := reserve("LS", name); err != nil {
			return nil, err
		}
		idx := LongSampleIndex{sum: m.nextLong(), count: m.nextLong(), variance: m.nextDouble()}
		m.longSamples[name] = idx
		m.longSampleOrder = append(m.longSampleOrder, idx)
	}
	for _, name := range b.doubleSamples {
		if err := reserve("DS", name); err != nil {
			return nil, err
		}
		idx := DoubleSampleIndex{sum: m.nextDouble(), count: m.nextLong(), variance: m.nextDouble()}
		m.doubleSamples[name] = idx
		m.doubleSampleOrder = append(m.doubleSampleOrder, idx)
	}

	m.fingerprint = digest.Sum64()
	return m, nil
}

func (m *IndexMap) nextLong() LongIndex {
	idx := LongIndex{value: m.numberOfLongs}
	m.numberOfLongs++
	return idx
}

func (m *IndexMap) nextDouble() DoubleIndex {
	idx := DoubleIndex{value: m.numberOfDoubles}
	m.numberOfDoubles++
	return idx
}

// LongIndex looks up a scalar long statistic.
func (m *IndexMap) LongIndex(name string) (LongIndex, bool) {
	idx, ok := m.longs[name]
	return idx, ok
}

// DoubleIndex looks up a scalar double statistic.
func (m *IndexMap) DoubleIndex(name string) (DoubleIndex, bool) {
	idx, ok := m.doubles[name]
	return idx, ok
}

// LongSampleIndex looks up a long sample statistic.
func (m *IndexMap) LongSampleIndex(name string) (LongSampleIndex, bool) {
	idx, ok := m.longSamples[name]
	return idx, ok
}

// DoubleSampleIndex looks up a double sample statistic.
func (m *IndexMap) DoubleSampleIndex(name string) (DoubleSampleIndex, bool) {
	idx, ok := m.doubleSamples[name]
	return idx, ok
}

// MustLongIndex is LongIndex for names known at compile time.
func (m *IndexMap) MustLongIndex(name string) LongIndex {
	idx, ok := m.longs[name]
	if !ok {
		panic("statistics: unknown long index " + name)
	}
	return idx
}

// MustLongSampleIndex is LongSampleIndex for names known at compile time.
func (m *IndexMap) MustLongSampleIndex(name string) LongSampleIndex {
	idx, ok := m.longSamples[name]
	if !ok {
		panic("statistics: unknown long sample index " + name)
	}
	return idx
}

// IsLastValue reports whether i holds a most recent value, such as the last
// HTTP status, instead of a total.
func (m *IndexMap) IsLastValue(i LongIndex) bool { return m.lastValue[i.value] }

// NumberOfLongs is the length of a set's long vector.
func (m *IndexMap) NumberOfLongs() int { return m.numberOfLongs }

// NumberOfDoubles is the length of a set's double vector.
func (m *IndexMap) NumberOfDoubles() int { return m.numberOfDoubles }

// Fingerprint identifies the slot layout. Peers built with different
// declaration orders have different fingerprints.
func (m *IndexMap) Fingerprint() uint64 { return m.fingerprint }

// NewSet returns a zero, non-composite set sized for this map.
func (m *IndexMap) NewSet() *Set {
	return &Set{
		layout:  m,
		longs:   make([]int64, m.numberOfLongs),
		doubles: make([]float64, m.numberOfDoubles),
	}
}

func (m *IndexMap) sampleIndices() []SampleIndex {
	indices := make([]SampleIndex, 0, len(m.longSampleOrder)+len(m.doubleSampleOrder))
	for _, idx := range m.longSampleOrder {
		indices = append(indices, idx)
	}
	for _, idx := range m.doubleSampleOrder {
		indices = append(indices, idx)
	}
	return indices
}

func (m *IndexMap) compatible(other *IndexMap) bool {
	return m == other || (m.fingerprint == other.fingerprint &&
		m.numberOfLongs == other.numberOfLongs &&
		m.numberOfDoubles == other.numberOfDoubles)
}
