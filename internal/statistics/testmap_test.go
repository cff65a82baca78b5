package statistics

import (
	"bytes"
	"sync"
	"testing"
)

func TestTestStatisticsMap_PreservesInsertionOrder(t *testing.T) {
	m := newTestIndexMap(t)
	tm := NewTestStatisticsMap(m)

	for _, n := range []int{7, 2, 9, 1} {
		if err := tm.Put(Test{Number: n}, m.NewSet()); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	_ = tm.Put(Test{Number: 2, Description: "later"}, m.NewSet())

	var got []int
	tm.ForEach(func(test Test, _ *Set) { got = append(got, test.Number) })

	want := []int{7, 2, 9, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestTestStatisticsMap_KeepsFirstDescription(t *testing.T) {
	m := newTestIndexMap(t)
	tm := NewTestStatisticsMap(m)

	_ = tm.Put(Test{Number: 1, Description: "login"}, m.NewSet())
	replacement := m.NewSet()
	replacement.AddLong(m.MustLongIndex(Errors), 4)
	_ = tm.Put(Test{Number: 1, Description: "renamed"}, replacement)

	tests := tm.Tests()
	if len(tests) != 1 || tests[0].Description != "login" {
		t.Errorf("expected first description to win, got %v", tests)
	}
	stats, ok := tm.Get(Test{Number: 1})
	if !ok || stats != replacement {
		t.Error("expected Put to overwrite the statistics")
	}
}

func TestTestStatisticsMap_Totals(t *testing.T) {
	m := newTestIndexMap(t)
	timed := m.MustLongSampleIndex(TimedTests)
	tm := NewTestStatisticsMap(m)

	one := m.NewSet()
	for _, v := range []int64{0, 5, 1} {
		one.AddSample(timed, v)
	}
	_ = tm.Put(Test{Number: 1}, one)
	_ = tm.Put(Test{Number: 2}, m.NewSet())

	composite := m.NewSet()
	composite.AddSample(timed, 100)
	composite.SetIsComposite()
	_ = tm.Put(Test{Number: 3}, composite)

	nonComposite := tm.NonCompositeStatisticsTotals()
	if !nonComposite.Equal(one) {
		t.Errorf("expected non-composite totals %v, got %v", one, nonComposite)
	}

	compositeTotals := tm.CompositeStatisticsTotals()
	if !compositeTotals.Equal(composite) {
		t.Errorf("expected composite totals %v, got %v", composite, compositeTotals)
	}
}

func TestTestStatisticsMap_AddMerges(t *testing.T) {
	m := newTestIndexMap(t)
	errs := m.MustLongIndex(Errors)

	cumulative := NewTestStatisticsMap(m)
	first := m.NewSet()
	first.AddLong(errs, 1)
	_ = cumulative.Put(Test{Number: 1, Description: "a"}, first)

	delta := NewTestStatisticsMap(m)
	d1 := m.NewSet()
	d1.AddLong(errs, 2)
	d2 := m.NewSet()
	d2.AddLong(errs, 5)
	_ = delta.Put(Test{Number: 1}, d1)
	_ = delta.Put(Test{Number: 4, Description: "b"}, d2)

	if err := cumulative.Add(delta); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s1, _ := cumulative.Get(Test{Number: 1})
	s4, _ := cumulative.Get(Test{Number: 4})
	if s1.Long(errs) != 3 {
		t.Errorf("expected 3 errors for test 1, got %d", s1.Long(errs))
	}
	if s4.Long(errs) != 5 {
		t.Errorf("expected 5 errors for test 4, got %d", s4.Long(errs))
	}

	d2.AddLong(errs, 100)
	if s4.Long(errs) != 5 {
		t.Error("merged entries should not alias the delta")
	}
}

func TestTestStatisticsMap_ResetKeepsTests(t *testing.T) {
	m := newTestIndexMap(t)
	tm := NewTestStatisticsMap(m)
	_ = tm.Put(Test{Number: 1}, populatedSet(m, false))
	tm.Reset()

	if tm.Len() != 1 {
		t.Fatalf("expected 1 test, got %d", tm.Len())
	}
	s, _ := tm.Get(Test{Number: 1})
	if !s.IsZero() {
		t.Errorf("expected zero statistics after reset, got %v", s)
	}
}

func TestTestStatisticsMap_SerialiseRoundTrip(t *testing.T) {
	m := newTestIndexMap(t)
	writer := NewSerialiser(m, true)
	reader := NewSerialiser(m, true)

	for round := 0; round < 3; round++ {
		tm := NewTestStatisticsMap(m)
		_ = tm.Put(Test{Number: 3, Description: "checkout"}, populatedSet(m, round == 1))
		_ = tm.Put(Test{Number: 1, Description: "browse"}, m.NewSet())

		var buf bytes.Buffer
		if err := tm.Serialise(&buf, writer, "worker-1"); err != nil {
			t.Fatalf("Serialise: %v", err)
		}
		got, err := DeserialiseTestStatisticsMap(&buf, reader, "worker-1")
		if err != nil {
			t.Fatalf("Deserialise: %v", err)
		}

		if len(got.Tests()) != 2 || got.Tests()[0].Description != "checkout" {
			t.Fatalf("unexpected tests %v", got.Tests())
		}
		tm.ForEach(func(test Test, want *Set) {
			s, ok := got.Get(test)
			if !ok || !s.Equal(want) {
				t.Errorf("round %d %v: expected %v, got %v", round, test, want, s)
			}
		})
	}
}

func TestTestStatisticsMap_ConcurrentMerge(t *testing.T) {
	m := newTestIndexMap(t)
	timed := m.MustLongSampleIndex(TimedTests)
	cumulative := NewTestStatisticsMap(m)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				delta := NewTestStatisticsMap(m)
				s := m.NewSet()
				s.AddSample(timed, 2)
				_ = delta.Put(Test{Number: i % 3}, s)
				_ = cumulative.Add(delta)
			}
		}()
	}
	wg.Wait()

	totals := cumulative.NonCompositeStatisticsTotals()
	if totals.Count(timed) != 500 || totals.Sum(timed) != 1000 {
		t.Errorf("expected count=500 sum=1000, got count=%d sum=%v", totals.Count(timed), totals.Sum(timed))
	}
}
