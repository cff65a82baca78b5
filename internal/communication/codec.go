package communication

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/s2"

	"grindstone/internal/statistics"
)

// Kind is the dispatch key carried in every frame header.
type Kind uint16

// KindErrorResponse is reserved for ErrorResponseMessage.
const KindErrorResponse Kind = 0xffff

// DefaultCompressAbove is the body size from which frames are s2 compressed.
const DefaultCompressAbove = 4096

// Message is anything that can be sent over a connection. Messages must not
// be modified once sent.
type Message interface {
	Kind() Kind
}

// StreamMessage is a Message whose body depends on what was previously sent
// on the same connection. It is encoded and decoded through the connection's
// statistics serialiser instead of CBOR.
type StreamMessage interface {
	Message
	MarshalStream(z *statistics.Serialiser) ([]byte, error)
	UnmarshalStream(z *statistics.Serialiser, data []byte) error
}

// ErrorResponseMessage answers a request whose handler failed or does not
// exist.
type ErrorResponseMessage struct {
	Text string `cbor:"1,keyasint"`
}

func (*ErrorResponseMessage) Kind() Kind { return KindErrorResponse }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("communication: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("communication: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the deterministic CBOR mode used on the wire.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Codec maps kinds to message types. Register every kind before the codec is
// handed to an acceptor or connector; lookups are not synchronised.
type Codec struct {
	factories     map[Kind]func() Message
	names         map[Kind]string
	compressAbove int
}

// NewCodec returns a codec that knows ErrorResponseMessage.
func NewCodec() *Codec {
	c := &Codec{
		factories:     make(map[Kind]func() Message),
		names:         make(map[Kind]string),
		compressAbove: DefaultCompressAbove,
	}
	c.Register(KindErrorResponse, "ErrorResponse", func() Message { return &ErrorResponseMessage{} })
	return c
}

// ScopeCloser is implemented by messages that can end a serialiser scope.
// Once such a message has been encoded, or decoded, the scope's baselines are
// dropped at that point of the stream on both ends.
type ScopeCloser interface {
	ClosedScope() (scope string, ok bool)
}

func closeScope(msg Message, z *statistics.Serialiser) {
	if sc, ok := msg.(ScopeCloser); ok {
		if scope, ok := sc.ClosedScope(); ok {
			statistics.ForgetScope(z, scope)
		}
	}
}

// Register binds kind to a factory returning a pointer to a zero message.
// Registering a kind twice panics.
func (c *Codec) Register(kind Kind, name string, factory func() Message) {
	if _, ok := c.factories[kind]; ok {
		panic(fmt.Sprintf("communication: kind %d registered twice", kind))
	}
	c.factories[kind] = factory
	c.names[kind] = name
}

// SetCompressAbove changes the compression threshold. Zero or less disables
// compression.
func (c *Codec) SetCompressAbove(n int) { c.compressAbove = n }

// Name returns the registered name of kind.
func (c *Codec) Name(kind Kind) string {
	if name, ok := c.names[kind]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", kind)
}

func (c *Codec) encode(msg Message, z *statistics.Serialiser) ([]byte, bool, error) {
	if _, ok := c.factories[msg.Kind()]; !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownKind, msg.Kind())
	}

	var (
		body []byte
		err  error
	)
	if sm, ok := msg.(StreamMessage); ok {
		body, err = sm.MarshalStream(z)
	} else {
		body, err = encMode.Marshal(msg)
	}
	if err != nil {
		return nil, false, fmt.Errorf("encoding %s: %w", c.Name(msg.Kind()), err)
	}
	closeScope(msg, z)

	if c.compressAbove > 0 && len(body) > c.compressAbove {
		if compressed := s2.Encode(nil, body); len(compressed) < len(body) {
			return compressed, true, nil
		}
	}
	return body, false, nil
}

func (c *Codec) decode(kind Kind, body []byte, compressed bool, z *statistics.Serialiser) (Message, error) {
	factory, ok := c.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	if compressed {
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", c.Name(kind), err)
		}
		if n > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if body, err = s2.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", c.Name(kind), err)
		}
	}

	msg := factory()
	var err error
	if sm, ok := msg.(StreamMessage); ok {
		err = sm.UnmarshalStream(z, body)
	} else {
		err = decMode.Unmarshal(body, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", c.Name(kind), err)
	}
	closeScope(msg, z)
	return msg, nil
}
