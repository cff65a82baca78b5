package communication

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"grindstone/internal/statistics"
)

func TestFrame_RoundTrip(t *testing.T) {
	codec := newTestCodec()
	layout := newTestLayout(t)
	writeZ := statistics.NewSerialiser(layout, false)
	readZ := statistics.NewSerialiser(layout, false)

	tests := []struct {
		name string
		msg  Message
	}{
		{"small", &pingMessage{Seq: 7, From: "agent"}},
		{"compressed", &pingMessage{Seq: 8, From: strings.Repeat("x", 3*DefaultCompressAbove)}},
		{"error response", &ErrorResponseMessage{Text: "no handler"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, compressed, err := codec.encode(tt.msg, writeZ)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if tt.name == "compressed" && !compressed {
				t.Error("expected a large repetitive body to be compressed")
			}

			var flags byte
			if compressed {
				flags |= flagCompressed
			}
			var buf bytes.Buffer
			if err := writeFrame(&buf, frameHeader{flags: flags | flagRequest, kind: tt.msg.Kind(), requestID: 42}, body); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			if buf.Len() != frameHeaderSize+len(body) {
				t.Errorf("expected %d bytes, got %d", frameHeaderSize+len(body), buf.Len())
			}

			h, gotBody, err := readFrame(&buf)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if h.kind != tt.msg.Kind() || h.requestID != 42 || h.flags&flagRequest == 0 {
				t.Errorf("unexpected header %+v", h)
			}

			got, err := codec.decode(h.kind, gotBody, h.flags&flagCompressed != 0, readZ)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Kind() != tt.msg.Kind() {
				t.Fatalf("expected kind %d, got %d", tt.msg.Kind(), got.Kind())
			}
			switch want := tt.msg.(type) {
			case *pingMessage:
				if *got.(*pingMessage) != *want {
					t.Errorf("expected %+v, got %+v", want, got)
				}
			case *ErrorResponseMessage:
				if got.(*ErrorResponseMessage).Text != want.Text {
					t.Errorf("expected %q, got %q", want.Text, got.(*ErrorResponseMessage).Text)
				}
			}
		})
	}
}

func TestCodec_StreamMessageUsesSerialiser(t *testing.T) {
	codec := newTestCodec()
	layout := newTestLayout(t)
	timed := layout.MustLongSampleIndex(statistics.TimedTests)
	writeZ := statistics.NewSerialiser(layout, true)
	readZ := statistics.NewSerialiser(layout, true)

	set := layout.NewSet()
	for i := int64(1); i <= 3; i++ {
		set.AddSample(timed, i*10)

		body, _, err := codec.encode(&statsMessage{Set: set}, writeZ)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := codec.decode(kindStats, body, false, readZ)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !got.(*statsMessage).Set.Equal(set) {
			t.Errorf("round %d: expected %v, got %v", i, set, got.(*statsMessage).Set)
		}
	}
}

// workerDone ends the statistics scope of one worker.
type workerDone struct {
	Worker string `cbor:"1,keyasint"`
}

func (*workerDone) Kind() Kind { return kindWorkerDone }

func (m *workerDone) ClosedScope() (string, bool) { return m.Worker, true }

func TestCodec_ClosedScopeDropsBaselinesOnBothEnds(t *testing.T) {
	codec := newTestCodec()
	codec.Register(kindWorkerDone, "WorkerDone", func() Message { return &workerDone{} })
	layout := newTestLayout(t)
	timed := layout.MustLongSampleIndex(statistics.TimedTests)
	writeZ := statistics.NewSerialiser(layout, true)
	readZ := statistics.NewSerialiser(layout, true)

	set := layout.NewSet()
	set.AddSample(timed, 25)
	exchange := func(key string) {
		t.Helper()
		var buf bytes.Buffer
		if err := writeZ.WriteSet(&buf, key, set); err != nil {
			t.Fatalf("WriteSet(%s): %v", key, err)
		}
		got, err := readZ.ReadSet(&buf, key)
		if err != nil {
			t.Fatalf("ReadSet(%s): %v", key, err)
		}
		if !got.Equal(set) {
			t.Errorf("%s: expected %v, got %v", key, set, got)
		}
	}
	exchange("w1/1")
	exchange("w2/1")

	body, _, err := codec.encode(&workerDone{Worker: "w1"}, writeZ)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n := writeZ.Baselines(); n != 1 {
		t.Errorf("writer: expected 1 baseline after w1 finished, got %d", n)
	}
	if _, err := codec.decode(kindWorkerDone, body, false, readZ); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := readZ.Baselines(); n != 1 {
		t.Errorf("reader: expected 1 baseline after w1 finished, got %d", n)
	}

	// Both ends restart w1 from an empty baseline and stay in step.
	exchange("w1/1")
	exchange("w2/1")
}

func TestCodec_UnknownKind(t *testing.T) {
	codec := NewCodec()
	layout := newTestLayout(t)
	z := statistics.NewSerialiser(layout, false)

	if _, _, err := codec.encode(&pingMessage{}, z); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind encoding, got %v", err)
	}
	if _, err := codec.decode(kindPing, []byte{0xa0}, false, z); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind decoding, got %v", err)
	}
}

func TestCodec_RegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()
	newTestCodec().Register(kindPing, "Again", func() Message { return &pingMessage{} })
}

func TestReadFrame_Rejects(t *testing.T) {
	header := func(magic uint16, version byte, length uint32) []byte {
		b := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint16(b[0:2], magic)
		b[2] = version
		binary.BigEndian.PutUint16(b[4:6], uint16(kindPing))
		binary.BigEndian.PutUint32(b[6:10], length)
		return b
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"bad magic", header(0x1234, protocolVersion, 0), nil},
		{"bad version", header(frameMagic, 9, 0), nil},
		{"too large", header(frameMagic, protocolVersion, MaxFrameSize+1), ErrFrameTooLarge},
		{"truncated body", append(header(frameMagic, protocolVersion, 10), 1, 2, 3), nil},
		{"truncated header", []byte{0x47}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readFrame(bytes.NewReader(tt.input))
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
