package communication

import (
	"encoding/binary"
	"fmt"
	"io"
)

var handshakeMagic = [4]byte{'G', 'S', 'T', 'N'}

const maxHandshakeBody = 4096

type handshakeStatus byte

const (
	statusAccepted handshakeStatus = iota
	statusRejectedType
	statusLayoutMismatch
	statusMalformed
)

func (s handshakeStatus) err() error {
	switch s {
	case statusAccepted:
		return nil
	case statusRejectedType:
		return ErrRejectedType
	case statusLayoutMismatch:
		return ErrLayoutMismatch
	case statusMalformed:
		return ErrMalformedHandshake
	default:
		return fmt.Errorf("%w: status %d", ErrMalformedHandshake, s)
	}
}

// Handshake is sent by the client after the preamble.
type Handshake struct {
	Identity Identity `cbor:"1,keyasint"`
	// Layout is the fingerprint of the client's statistics index map.
	Layout        uint64 `cbor:"2,keyasint"`
	DeltaEncoding bool   `cbor:"3,keyasint"`
}

// writeHandshake writes "GSTN", the protocol version, the connection type and
// the CBOR handshake prefixed with its 16-bit length.
func writeHandshake(w io.Writer, t ConnectionType, hs Handshake) error {
	body, err := encMode.Marshal(hs)
	if err != nil {
		return err
	}
	if len(body) > maxHandshakeBody {
		return fmt.Errorf("handshake body of %d bytes", len(body))
	}

	buf := make([]byte, 0, 8+len(body))
	buf = append(buf, handshakeMagic[:]...)
	buf = append(buf, protocolVersion, byte(t))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// readHandshake parses a client handshake. A non-nil error means the stream
// failed; otherwise the status says whether the content is acceptable.
func readHandshake(r io.Reader) (ConnectionType, Handshake, handshakeStatus, error) {
	var preamble [8]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return 0, Handshake{}, statusMalformed, err
	}
	if [4]byte(preamble[0:4]) != handshakeMagic || preamble[4] != protocolVersion {
		return 0, Handshake{}, statusMalformed, nil
	}

	t := ConnectionType(preamble[5])
	n := binary.BigEndian.Uint16(preamble[6:8])
	if n > maxHandshakeBody {
		return t, Handshake{}, statusMalformed, nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return t, Handshake{}, statusMalformed, err
	}

	var hs Handshake
	if err := decMode.Unmarshal(body, &hs); err != nil {
		return t, Handshake{}, statusMalformed, nil
	}
	if !t.Valid() {
		return t, hs, statusRejectedType, nil
	}
	return t, hs, statusAccepted, nil
}
