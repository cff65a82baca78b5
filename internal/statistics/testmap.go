package statistics

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"
)

const maxDescriptionBytes = 1 << 16

// TestStatisticsMap associates tests with their statistics, iterating in the
// order tests were first put.
//
// Every method takes the map's lock, so merges and iteration from different
// goroutines see a consistent view across entries. Callbacks passed to
// ForEach run with the lock held and must not call back into the map.
type TestStatisticsMap struct {
	mu      sync.Mutex
	layout  *IndexMap
	order   []int
	entries map[int]*testEntry
}

type testEntry struct {
	test  Test
	stats *Set
}

// NewTestStatisticsMap returns an empty map for sets of the given layout.
func NewTestStatisticsMap(layout *IndexMap) *TestStatisticsMap {
	return &TestStatisticsMap{
		layout:  layout,
		entries: make(map[int]*testEntry),
	}
}

// Layout returns the index map of the contained sets.
func (m *TestStatisticsMap) Layout() *IndexMap { return m.layout }

// Put stores stats for test. A test already present keeps its first
// description and position.
func (m *TestStatisticsMap) Put(test Test, stats *Set) error {
	if !m.layout.compatible(stats.layout) {
		return ErrLayoutMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(test, stats)
	return nil
}

func (m *TestStatisticsMap) putLocked(test Test, stats *Set) {
	if e, ok := m.entries[test.Number]; ok {
		e.stats = stats
		return
	}
	m.entries[test.Number] = &testEntry{test: test, stats: stats}
	m.order = append(m.order, test.Number)
}

// Get returns the set stored for test.
func (m *TestStatisticsMap) Get(test Test) (*Set, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[test.Number]
	if !ok {
		return nil, false
	}
	return e.stats, true
}

func (m *TestStatisticsMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Tests returns the tests in iteration order.
func (m *TestStatisticsMap) Tests() []Test {
	m.mu.Lock()
	defer m.mu.Unlock()
	tests := make([]Test, 0, len(m.order))
	for _, n := range m.order {
		tests = append(tests, m.entries[n].test)
	}
	return tests
}

// ForEach calls fn for every entry in insertion order while holding the
// map's lock.
func (m *TestStatisticsMap) ForEach(fn func(Test, *Set)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.order {
		e := m.entries[n]
		fn(e.test, e.stats)
	}
}

// NonCompositeStatisticsTotals sums every non-composite entry.
func (m *TestStatisticsMap) NonCompositeStatisticsTotals() *Set {
	return m.totals(false)
}

// CompositeStatisticsTotals sums every composite entry. The result is itself
// composite when any entry contributed.
func (m *TestStatisticsMap) CompositeStatisticsTotals() *Set {
	return m.totals(true)
}

func (m *TestStatisticsMap) totals(composite bool) *Set {
	total := m.layout.NewSet()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.order {
		stats := m.entries[n].stats
		if stats.IsComposite() == composite {
			_ = total.Add(stats) // layouts checked on Put
		}
	}
	return total
}

// Add merges every entry of other into m, creating entries for tests m has
// not seen.
func (m *TestStatisticsMap) Add(other *TestStatisticsMap) error {
	if !m.layout.compatible(other.layout) {
		return ErrLayoutMismatch
	}
	delta := other.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range delta.order {
		e := delta.entries[n]
		if existing, ok := m.entries[n]; ok {
			if err := existing.stats.Add(e.stats); err != nil {
				return err
			}
			continue
		}
		m.putLocked(e.test, e.stats)
	}
	return nil
}

// Reset zeroes every set, keeping the tests.
func (m *TestStatisticsMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.stats.Reset()
	}
}

// Snapshot returns a deep copy.
func (m *TestStatisticsMap) Snapshot() *TestStatisticsMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := NewTestStatisticsMap(m.layout)
	for _, n := range m.order {
		e := m.entries[n]
		c.putLocked(e.test, e.stats.Snapshot())
	}
	return c
}

// Serialise writes the map through z. Keys of the contained sets are
// scope/testNumber, so several writers can share one stream.
func (m *TestStatisticsMap) Serialise(w io.Writer, z *Serialiser, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := w.Write(binary.AppendUvarint(nil, uint64(len(m.order)))); err != nil {
		return err
	}
	for _, n := range m.order {
		e := m.entries[n]
		header := binary.AppendVarint(nil, int64(e.test.Number))
		header = binary.AppendUvarint(header, uint64(len(e.test.Description)))
		header = append(header, e.test.Description...)
		if _, err := w.Write(header); err != nil {
			return err
		}
		if err := z.WriteSet(w, setKey(scope, n), e.stats); err != nil {
			return fmt.Errorf("writing %s: %w", e.test, err)
		}
	}
	return nil
}

// DeserialiseTestStatisticsMap reads a map written by Serialise.
func DeserialiseTestStatisticsMap(r io.Reader, z *Serialiser, scope string) (*TestStatisticsMap, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}

	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("reading test count: %w", err)
	}

	m := NewTestStatisticsMap(z.layout)
	for i := uint64(0); i < count; i++ {
		number, err := binary.ReadVarint(br)
		if err != nil {
			return nil, fmt.Errorf("reading test number: %w", err)
		}
		length, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("reading test description: %w", err)
		}
		if length > maxDescriptionBytes {
			return nil, fmt.Errorf("%w: description length %d", ErrCorrupt, length)
		}
		description := make([]byte, length)
		if _, err := io.ReadFull(r, description); err != nil {
			return nil, fmt.Errorf("reading test description: %w", err)
		}
		stats, err := z.ReadSet(r, setKey(scope, int(number)))
		if err != nil {
			return nil, fmt.Errorf("reading statistics for test %d: %w", number, err)
		}
		m.putLocked(Test{Number: int(number), Description: string(description)}, stats)
	}
	return m, nil
}

// ForgetScope drops the baselines z holds for sets serialised under scope.
func ForgetScope(z *Serialiser, scope string) { z.Forget(scope + "/") }

func setKey(scope string, number int) string {
	return scope + "/" + strconv.Itoa(number)
}
