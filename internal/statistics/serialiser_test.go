package statistics

import (
	"bytes"
	"errors"
	"testing"
)

func populatedSet(m *IndexMap, composite bool) *Set {
	s := m.NewSet()
	timed := m.MustLongSampleIndex(TimedTests)
	for _, v := range []int64{12, 40, 7} {
		s.AddSample(timed, v)
	}
	s.AddLong(m.MustLongIndex(Errors), 2)
	s.AddLong(m.MustLongIndex(HTTPResponseLength), -4096)
	peak, _ := m.DoubleIndex(PeakTPS)
	s.SetDouble(peak, 321.75)
	if composite {
		s.SetIsComposite()
	}
	return s
}

func TestSerialiser_RoundTrip(t *testing.T) {
	m := newTestIndexMap(t)

	tests := []struct {
		name  string
		delta bool
		set   *Set
	}{
		{"zero full", false, m.NewSet()},
		{"zero delta", true, m.NewSet()},
		{"samples full", false, populatedSet(m, false)},
		{"samples delta", true, populatedSet(m, false)},
		{"composite full", false, populatedSet(m, true)},
		{"composite delta", true, populatedSet(m, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewSerialiser(m, tt.delta).WriteSet(&buf, "k", tt.set); err != nil {
				t.Fatalf("WriteSet: %v", err)
			}
			got, err := NewSerialiser(m, tt.delta).ReadSet(&buf, "k")
			if err != nil {
				t.Fatalf("ReadSet: %v", err)
			}
			if !got.Equal(tt.set) {
				t.Errorf("expected %v, got %v", tt.set, got)
			}
			if buf.Len() != 0 {
				t.Errorf("expected the record to be consumed, %d bytes left", buf.Len())
			}
		})
	}
}

func TestSerialiser_DeltaUsesBaseline(t *testing.T) {
	m := newTestIndexMap(t)
	timed := m.MustLongSampleIndex(TimedTests)
	writer := NewSerialiser(m, true)
	reader := NewSerialiser(m, true)

	first := populatedSet(m, false)
	second := first.Snapshot()
	second.AddSample(timed, 99)

	var full, delta bytes.Buffer
	if err := writer.WriteSet(&full, "w/1", first); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	if err := writer.WriteSet(&delta, "w/1", second); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	if delta.Len() >= full.Len() {
		t.Errorf("expected delta record (%d bytes) to be smaller than first record (%d bytes)", delta.Len(), full.Len())
	}

	for _, want := range []*Set{first, second} {
		buf := &full
		if want == second {
			buf = &delta
		}
		got, err := reader.ReadSet(buf, "w/1")
		if err != nil {
			t.Fatalf("ReadSet: %v", err)
		}
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestSerialiser_KeysHaveIndependentBaselines(t *testing.T) {
	m := newTestIndexMap(t)
	writer := NewSerialiser(m, true)
	reader := NewSerialiser(m, true)

	a := populatedSet(m, false)
	b := populatedSet(m, true)

	var buf bytes.Buffer
	for _, write := range []struct {
		key string
		set *Set
	}{{"a", a}, {"b", b}, {"a", a}, {"b", m.NewSet()}} {
		if err := writer.WriteSet(&buf, write.key, write.set); err != nil {
			t.Fatalf("WriteSet: %v", err)
		}
	}

	for _, read := range []struct {
		key  string
		want *Set
	}{{"a", a}, {"b", b}, {"a", a}, {"b", m.NewSet()}} {
		got, err := reader.ReadSet(&buf, read.key)
		if err != nil {
			t.Fatalf("ReadSet(%s): %v", read.key, err)
		}
		if !got.Equal(read.want) {
			t.Errorf("key %s: expected %v, got %v", read.key, read.want, got)
		}
	}
}

func TestForgetScope_DropsOnlyThatScope(t *testing.T) {
	m := newTestIndexMap(t)
	writer := NewSerialiser(m, true)
	set := populatedSet(m, false)

	var first bytes.Buffer
	for _, key := range []string{"w1/1", "w1/2", "w10/1"} {
		first.Reset()
		if err := writer.WriteSet(&first, key, set); err != nil {
			t.Fatalf("WriteSet(%s): %v", key, err)
		}
	}
	if n := writer.Baselines(); n != 3 {
		t.Fatalf("expected 3 baselines, got %d", n)
	}

	ForgetScope(writer, "w1")
	if n := writer.Baselines(); n != 1 {
		t.Errorf("expected only w10's baseline to remain, got %d", n)
	}

	// Without a baseline the next record is written in full again.
	var again bytes.Buffer
	if err := writer.WriteSet(&again, "w10/1", set); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	var full bytes.Buffer
	if err := writer.WriteSet(&full, "w1/1", set); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	if full.Len() <= again.Len() {
		t.Errorf("expected a full record (%d bytes) to exceed an unchanged delta (%d bytes)", full.Len(), again.Len())
	}
}

func TestSerialiser_CorruptionIsDetected(t *testing.T) {
	m := newTestIndexMap(t)
	for _, delta := range []bool{false, true} {
		var buf bytes.Buffer
		if err := NewSerialiser(m, delta).WriteSet(&buf, "k", populatedSet(m, true)); err != nil {
			t.Fatalf("WriteSet: %v", err)
		}
		encoded := buf.Bytes()

		for i := range encoded {
			corrupt := append([]byte(nil), encoded...)
			corrupt[i] ^= 0x5a
			if _, err := NewSerialiser(m, delta).ReadSet(bytes.NewReader(corrupt), "k"); err == nil {
				t.Errorf("delta=%v: corrupting byte %d went unnoticed", delta, i)
			}
		}
	}
}

func TestSerialiser_Truncated(t *testing.T) {
	m := newTestIndexMap(t)
	var buf bytes.Buffer
	if err := NewSerialiser(m, false).WriteSet(&buf, "k", populatedSet(m, false)); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := NewSerialiser(m, false).ReadSet(bytes.NewReader(truncated), "k"); err == nil {
		t.Error("expected an error for a truncated record")
	}
}

func TestSerialiser_LayoutMismatch(t *testing.T) {
	writerMap := newTestIndexMap(t, WithLongSamples("extra"))
	readerMap := newTestIndexMap(t)

	var buf bytes.Buffer
	if err := NewSerialiser(writerMap, false).WriteSet(&buf, "k", writerMap.NewSet()); err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	_, err := NewSerialiser(readerMap, false).ReadSet(&buf, "k")
	if !errors.Is(err, ErrLayoutMismatch) {
		t.Errorf("expected ErrLayoutMismatch, got %v", err)
	}

	if err := NewSerialiser(readerMap, false).WriteSet(&buf, "k", writerMap.NewSet()); !errors.Is(err, ErrLayoutMismatch) {
		t.Errorf("expected ErrLayoutMismatch writing a foreign set, got %v", err)
	}
}
