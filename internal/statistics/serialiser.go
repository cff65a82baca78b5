package statistics

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrCorrupt is returned when an encoded set fails validation.
var ErrCorrupt = errors.New("corrupt statistics encoding")

const (
	flagComposite = 1 << 0
	flagDelta     = 1 << 1
	knownFlags    = flagComposite | flagDelta

	maxEncodedSetBytes = 1 << 20
	checksumBytes      = 8
)

// Serialiser is the codec context shared by every set written to, or read
// from, one stream. In delta mode each set is written as the slots that
// changed since the set last transmitted under the same key, so both ends of
// a stream must create their Serialiser with the same mode and see the same
// sequence of sets.
//
// A Serialiser is not safe for concurrent use.
type Serialiser struct {
	layout    *IndexMap
	delta     bool
	baselines map[string]*Set
}

// NewSerialiser returns a codec context for the layout.
func NewSerialiser(layout *IndexMap, delta bool) *Serialiser {
	return &Serialiser{
		layout:    layout,
		delta:     delta,
		baselines: make(map[string]*Set),
	}
}

// Layout returns the index map used to size decoded sets.
func (z *Serialiser) Layout() *IndexMap { return z.layout }

// DeltaEncoding reports whether sets are written against a baseline.
func (z *Serialiser) DeltaEncoding() bool { return z.delta }

// Baselines returns the number of keys with a retained baseline.
func (z *Serialiser) Baselines() int { return len(z.baselines) }

// Forget drops the baselines of every key with the given prefix.
func (z *Serialiser) Forget(prefix string) {
	for key := range z.baselines {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(z.baselines, key)
		}
	}
}

func (z *Serialiser) baseline(key string) *Set {
	if b, ok := z.baselines[key]; ok {
		return b
	}
	return z.layout.NewSet()
}

// WriteSet encodes s under key.
//
// Record layout: uvarint body length, body, 8 byte xxhash64 over the length
// and body. Body: flags byte, uvarint long count, uvarint double count, then
// either every long (zigzag varint) followed by every double (IEEE 754 bits,
// big endian), or a bitmap of changed slots followed by the long differences
// and the new double values of the changed slots.
func (z *Serialiser) WriteSet(w io.Writer, key string, s *Set) error {
	if !z.layout.compatible(s.layout) {
		return ErrLayoutMismatch
	}

	var body bytes.Buffer
	flags := byte(0)
	if s.composite {
		flags |= flagComposite
	}
	if z.delta {
		flags |= flagDelta
	}
	body.WriteByte(flags)
	body.Write(binary.AppendUvarint(nil, uint64(len(s.longs))))
	body.Write(binary.AppendUvarint(nil, uint64(len(s.doubles))))

	var scratch [binary.MaxVarintLen64]byte
	if z.delta {
		base := z.baseline(key)
		bitmap := make([]byte, (len(s.longs)+len(s.doubles)+7)/8)
		for n, v := range s.longs {
			if v != base.longs[n] {
				bitmap[n/8] |= 1 << (n % 8)
			}
		}
		for n, v := range s.doubles {
			if math.Float64bits(v) != math.Float64bits(base.doubles[n]) {
				slot := len(s.longs) + n
				bitmap[slot/8] |= 1 << (slot % 8)
			}
		}
		body.Write(bitmap)
		for n, v := range s.longs {
			if v != base.longs[n] {
				body.Write(scratch[:binary.PutVarint(scratch[:], v-base.longs[n])])
			}
		}
		for n, v := range s.doubles {
			if math.Float64bits(v) != math.Float64bits(base.doubles[n]) {
				body.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
			}
		}
		z.baselines[key] = s.Snapshot()
	} else {
		for _, v := range s.longs {
			body.Write(scratch[:binary.PutVarint(scratch[:], v)])
		}
		for _, v := range s.doubles {
			body.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
		}
	}

	record := binary.AppendUvarint(nil, uint64(body.Len()))
	record = append(record, body.Bytes()...)
	record = binary.BigEndian.AppendUint64(record, xxhash.Sum64(record))

	_, err := w.Write(record)
	return err
}

// ReadSet decodes the next set written under key.
func (z *Serialiser) ReadSet(r io.Reader, key string) (*Set, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}

	length, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("reading set length: %w", err)
	}
	if length == 0 || length > maxEncodedSetBytes {
		return nil, fmt.Errorf("%w: body length %d", ErrCorrupt, length)
	}

	record := binary.AppendUvarint(nil, length)
	prefix := len(record)
	record = append(record, make([]byte, int(length)+checksumBytes)...)
	if _, err := io.ReadFull(r, record[prefix:]); err != nil {
		return nil, fmt.Errorf("reading set body: %w", err)
	}

	end := len(record) - checksumBytes
	if xxhash.Sum64(record[:end]) != binary.BigEndian.Uint64(record[end:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	s, err := z.decodeBody(bytes.NewReader(record[prefix:end]), key)
	if err != nil {
		return nil, err
	}
	if z.delta {
		z.baselines[key] = s.Snapshot()
	}
	return s, nil
}

func (z *Serialiser) decodeBody(body *bytes.Reader, key string) (*Set, error) {
	flags, err := body.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing flags", ErrCorrupt)
	}
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrCorrupt, flags)
	}

	longs, err := binary.ReadUvarint(body)
	if err != nil {
		return nil, fmt.Errorf("%w: long count", ErrCorrupt)
	}
	doubles, err := binary.ReadUvarint(body)
	if err != nil {
		return nil, fmt.Errorf("%w: double count", ErrCorrupt)
	}
	if longs != uint64(z.layout.numberOfLongs) || doubles != uint64(z.layout.numberOfDoubles) {
		return nil, fmt.Errorf("%w: stream has %d longs and %d doubles, expected %d and %d",
			ErrLayoutMismatch, longs, doubles, z.layout.numberOfLongs, z.layout.numberOfDoubles)
	}

	s := z.layout.NewSet()
	s.composite = flags&flagComposite != 0

	if flags&flagDelta != 0 {
		base := z.baseline(key)
		slots := len(s.longs) + len(s.doubles)
		bitmap := make([]byte, (slots+7)/8)
		if _, err := io.ReadFull(body, bitmap); err != nil {
			return nil, fmt.Errorf("%w: bitmap", ErrCorrupt)
		}
		if extra := slots % 8; extra != 0 && bitmap[len(bitmap)-1]>>extra != 0 {
			return nil, fmt.Errorf("%w: bitmap padding", ErrCorrupt)
		}
		changed := func(slot int) bool { return bitmap[slot/8]&(1<<(slot%8)) != 0 }

		copy(s.longs, base.longs)
		copy(s.doubles, base.doubles)
		for n := range s.longs {
			if !changed(n) {
				continue
			}
			d, err := binary.ReadVarint(body)
			if err != nil {
				return nil, fmt.Errorf("%w: long slot %d", ErrCorrupt, n)
			}
			s.longs[n] += d
		}
		for n := range s.doubles {
			if !changed(len(s.longs) + n) {
				continue
			}
			v, err := readDouble(body)
			if err != nil {
				return nil, fmt.Errorf("%w: double slot %d", ErrCorrupt, n)
			}
			s.doubles[n] = v
		}
	} else {
		for n := range s.longs {
			v, err := binary.ReadVarint(body)
			if err != nil {
				return nil, fmt.Errorf("%w: long slot %d", ErrCorrupt, n)
			}
			s.longs[n] = v
		}
		for n := range s.doubles {
			v, err := readDouble(body)
			if err != nil {
				return nil, fmt.Errorf("%w: double slot %d", ErrCorrupt, n)
			}
			s.doubles[n] = v
		}
	}

	if body.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, body.Len())
	}
	return s, nil
}

func readDouble(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
}

// byteReader reads one byte at a time so nothing past the record is consumed.
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var p [1]byte
	_, err := io.ReadFull(b.Reader, p[:])
	return p[0], err
}
