package communication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/statistics"
)

const (
	DefaultDialTimeout = 5 * time.Second

	incomingCapacity = 64
)

type ConnectorOption func(*Connector)

// WithConnectorIndexMap sets the statistics layout announced in the
// handshake. It must match the console's.
func WithConnectorIndexMap(layout *statistics.IndexMap) ConnectorOption {
	return func(c *Connector) { c.layout = layout }
}

// WithDeltaEncoding selects delta (default) or full statistics encoding for
// the connection.
func WithDeltaEncoding(delta bool) ConnectorOption {
	return func(c *Connector) { c.delta = delta }
}

func WithDialTimeout(d time.Duration) ConnectorOption {
	return func(c *Connector) { c.dialTimeout = d }
}

func WithConnectorLogger(logger log.Logger) ConnectorOption {
	return func(c *Connector) { c.logger = logger }
}

// Connector opens client connections to a console.
type Connector struct {
	address        string
	connectionType ConnectionType
	identity       Identity
	codec          *Codec
	layout         *statistics.IndexMap
	delta          bool
	dialTimeout    time.Duration
	logger         log.Logger
}

func NewConnector(address string, connectionType ConnectionType, identity Identity, codec *Codec, opts ...ConnectorOption) *Connector {
	c := &Connector{
		address:        address,
		connectionType: connectionType,
		identity:       identity,
		codec:          codec,
		delta:          true,
		dialTimeout:    DefaultDialTimeout,
		logger:         log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the console and performs the handshake.
func (c *Connector) Connect(ctx context.Context) (*ClientConnection, error) {
	layout := c.layout
	if layout == nil {
		var err error
		if layout, err = statistics.NewIndexMap(); err != nil {
			return nil, err
		}
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, &Error{Op: OpHandshake, Type: c.connectionType, Err: err}
	}

	hs := Handshake{Identity: c.identity, Layout: layout.Fingerprint(), DeltaEncoding: c.delta}
	fail := func(err error) (*ClientConnection, error) {
		_ = nc.Close()
		return nil, &Error{Op: OpHandshake, Type: c.connectionType, Address: c.identity.Address(c.connectionType), Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	} else {
		_ = nc.SetDeadline(time.Now().Add(DefaultHandshakeTimeout))
	}
	if err := writeHandshake(nc, c.connectionType, hs); err != nil {
		return fail(err)
	}
	reader := bufio.NewReader(nc)
	status, err := reader.ReadByte()
	if err != nil {
		return fail(err)
	}
	if err := handshakeStatus(status).err(); err != nil {
		return fail(err)
	}
	_ = nc.SetDeadline(time.Time{})

	cc := &ClientConnection{
		conn:     newConnection(0, nc, reader, c.connectionType, hs, c.codec, layout),
		logger:   c.logger,
		pending:  make(map[uint32]chan Message),
		incoming: make(chan Message, incomingCapacity),
		done:     make(chan struct{}),
	}
	cc.wg.Add(1)
	go cc.readLoop()

	level.Debug(c.logger).Log("msg", "connected", "console", c.address, "type", c.connectionType.String())

	return cc, nil
}

// ClientConnection is the client end of a handshaken connection. A single
// goroutine reads it: responses complete BlockingSend calls, everything else
// is delivered by Receive.
type ClientConnection struct {
	conn   *Connection
	logger log.Logger

	nextRequest atomic.Uint32
	pendingMu   sync.Mutex
	pending     map[uint32]chan Message

	incoming chan Message
	done     chan struct{}
	once     sync.Once
	err      error
	wg       sync.WaitGroup
}

// Identity returns the local identity announced in the handshake.
func (cc *ClientConnection) Identity() Identity { return cc.conn.Identity() }

// Done is closed when the connection fails or is closed.
func (cc *ClientConnection) Done() <-chan struct{} { return cc.done }

// Err returns why the connection ended, once Done is closed.
func (cc *ClientConnection) Err() error {
	select {
	case <-cc.done:
		return cc.err
	default:
		return nil
	}
}

func (cc *ClientConnection) readLoop() {
	defer cc.wg.Done()
	for {
		h, msg, err := cc.conn.readMessage()
		if err != nil {
			if errors.Is(err, ErrUnknownKind) {
				level.Warn(cc.logger).Log("msg", "ignoring message", "err", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrShutdown
			}
			cc.shutdown(&Error{Op: OpReceive, Type: cc.conn.Type(), Err: err})
			return
		}

		if h.flags&flagResponse != 0 {
			cc.pendingMu.Lock()
			ch, ok := cc.pending[h.requestID]
			delete(cc.pending, h.requestID)
			cc.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		select {
		case cc.incoming <- msg:
		case <-cc.done:
			return
		}
	}
}

// Send writes msg without waiting for an answer.
func (cc *ClientConnection) Send(msg Message) error {
	select {
	case <-cc.done:
		return cc.err
	default:
	}
	if err := cc.conn.send(msg, 0, 0, DefaultWriteTimeout); err != nil {
		return &Error{Op: OpSend, Type: cc.conn.Type(), Err: err}
	}
	return nil
}

// BlockingSend writes msg as a request and waits for the response. An
// ErrorResponseMessage answer is returned as an error wrapping
// ErrRequestFailed.
func (cc *ClientConnection) BlockingSend(ctx context.Context, msg Message) (Message, error) {
	id := cc.nextRequest.Add(1)
	ch := make(chan Message, 1)

	cc.pendingMu.Lock()
	cc.pending[id] = ch
	cc.pendingMu.Unlock()
	defer func() {
		cc.pendingMu.Lock()
		delete(cc.pending, id)
		cc.pendingMu.Unlock()
	}()

	if err := cc.conn.send(msg, flagRequest, id, DefaultWriteTimeout); err != nil {
		return nil, &Error{Op: OpSend, Type: cc.conn.Type(), Err: err}
	}

	select {
	case resp := <-ch:
		if e, ok := resp.(*ErrorResponseMessage); ok {
			return nil, fmt.Errorf("%w: %s", ErrRequestFailed, e.Text)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cc.done:
		return nil, cc.err
	}
}

// Receive returns the next unsolicited message from the console.
func (cc *ClientConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-cc.incoming:
		return msg, nil
	case <-cc.done:
		return nil, cc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cc *ClientConnection) shutdown(err error) {
	cc.once.Do(func() {
		cc.err = err
		close(cc.done)
		_ = cc.conn.Close()
	})
}

// Close closes the connection and waits for the reader to stop.
func (cc *ClientConnection) Close() error {
	cc.shutdown(ErrShutdown)
	cc.wg.Wait()
	return nil
}
