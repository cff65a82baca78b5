package communication

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameMagic      uint16 = 0x4753 // "GS"
	protocolVersion byte   = 1
	frameHeaderSize        = 14

	// MaxFrameSize bounds the body of a single frame, before and after
	// decompression.
	MaxFrameSize = 16 << 20
)

const (
	flagCompressed byte = 1 << iota
	flagRequest
	flagResponse
)

// frameHeader is magic(2) version(1) flags(1) kind(2) length(4) requestID(4).
type frameHeader struct {
	flags     byte
	kind      Kind
	length    uint32
	requestID uint32
}

func writeFrame(w io.Writer, h frameHeader, body []byte) error {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], frameMagic)
	buf[2] = protocolVersion
	buf[3] = h.flags
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.kind))
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[10:14], h.requestID)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frameHeader, []byte, error) {
	var head [frameHeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return frameHeader{}, nil, err
	}

	if magic := binary.BigEndian.Uint16(head[0:2]); magic != frameMagic {
		return frameHeader{}, nil, fmt.Errorf("bad frame magic %#04x", magic)
	}
	if head[2] != protocolVersion {
		return frameHeader{}, nil, fmt.Errorf("unsupported protocol version %d", head[2])
	}

	h := frameHeader{
		flags:     head[3],
		kind:      Kind(binary.BigEndian.Uint16(head[4:6])),
		length:    binary.BigEndian.Uint32(head[6:10]),
		requestID: binary.BigEndian.Uint32(head[10:14]),
	}
	if h.length > MaxFrameSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.length)
	}

	body := make([]byte, h.length)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, fmt.Errorf("reading frame body: %w", err)
	}
	return h, body, nil
}
