package communication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/observability"
)

const (
	DefaultFrameTimeout  = 30 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultShutdownGrace = 500 * time.Millisecond

	messageQueueCapacity = 256
)

// MessageRequiringResponse wraps a request read from a connection. The
// handler's answer goes back through SendResponse, at most once.
type MessageRequiringResponse struct {
	Message Message

	conn      *Connection
	requestID uint32
	timeout   time.Duration
	responded atomic.Bool
}

func (m *MessageRequiringResponse) Kind() Kind { return m.Message.Kind() }

// Source returns the connection the request arrived on.
func (m *MessageRequiringResponse) Source() *Connection { return m.conn }

// SendResponse writes resp back to the requester.
func (m *MessageRequiringResponse) SendResponse(resp Message) error {
	if !m.responded.CompareAndSwap(false, true) {
		return errors.New("communication: response already sent")
	}
	return m.conn.send(resp, flagResponse, m.requestID, m.timeout)
}

type ReceiverOption func(*ServerReceiver)

func WithReceiverLogger(logger log.Logger) ReceiverOption {
	return func(r *ServerReceiver) { r.logger = logger }
}

// WithShutdownGrace bounds how long Shutdown waits for in-flight reads before
// closing their connections.
func WithShutdownGrace(d time.Duration) ReceiverOption {
	return func(r *ServerReceiver) { r.grace = d }
}

func WithFrameTimeout(d time.Duration) ReceiverOption {
	return func(r *ServerReceiver) { r.frameTimeout = d }
}

// ServerReceiver reads messages from an acceptor's connections with a fixed
// pool of goroutines and queues them for WaitForMessage.
type ServerReceiver struct {
	acceptor      *Acceptor
	types         []ConnectionType
	idlePollDelay time.Duration
	frameTimeout  time.Duration
	grace         time.Duration
	logger        log.Logger

	messages chan Message
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	activeMu sync.Mutex
	active   map[*Connection]struct{}
}

// ReceiveFrom starts numberOfThreads readers over the connections of the
// given types. A reader holding a connection with nothing to read gives it
// up after idlePollDelay.
func ReceiveFrom(acceptor *Acceptor, types []ConnectionType, numberOfThreads int, idlePollDelay time.Duration, opts ...ReceiverOption) (*ServerReceiver, error) {
	if len(types) == 0 {
		return nil, errors.New("communication: no connection types to receive from")
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("communication: invalid connection type %s", t)
		}
	}
	if numberOfThreads < 1 {
		return nil, fmt.Errorf("communication: %d receiver threads", numberOfThreads)
	}
	if idlePollDelay <= 0 {
		return nil, fmt.Errorf("communication: idle poll delay %s", idlePollDelay)
	}

	r := &ServerReceiver{
		acceptor:      acceptor,
		types:         append([]ConnectionType(nil), types...),
		idlePollDelay: idlePollDelay,
		frameTimeout:  DefaultFrameTimeout,
		grace:         DefaultShutdownGrace,
		logger:        log.NewNopLogger(),
		messages:      make(chan Message, messageQueueCapacity),
		done:          make(chan struct{}),
		active:        make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := 0; i < numberOfThreads; i++ {
		r.wg.Add(1)
		go r.readLoop(i)
	}
	return r, nil
}

func (r *ServerReceiver) readLoop(offset int) {
	defer r.wg.Done()
	idle := time.NewTimer(r.idlePollDelay)
	defer idle.Stop()

	for {
		select {
		case <-r.done:
			return
		default:
		}

		c := r.reserve(offset)
		offset++
		if c == nil {
			idle.Reset(r.idlePollDelay)
			select {
			case <-r.done:
				return
			case <-idle.C:
			}
			continue
		}
		r.readFrom(c)
	}
}

func (r *ServerReceiver) reserve(offset int) *Connection {
	n := len(r.types)
	for i := 0; i < n; i++ {
		pool := r.acceptor.pools[r.types[(offset+i)%n]]
		if c := pool.reserveNext(); c != nil {
			return c
		}
	}
	return nil
}

func (r *ServerReceiver) readFrom(c *Connection) {
	pool := r.acceptor.pools[c.Type()]

	r.activeMu.Lock()
	r.active[c] = struct{}{}
	r.activeMu.Unlock()
	defer func() {
		r.activeMu.Lock()
		delete(r.active, c)
		r.activeMu.Unlock()
		pool.release(c)
	}()

	if c.reader.Buffered() == 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(r.idlePollDelay))
		if _, err := c.reader.Peek(1); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			r.readFailed(c, err)
			return
		}
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(r.frameTimeout))
	h, msg, err := c.readMessage()
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, ErrUnknownKind) {
			// The frame was consumed whole; the stream is still usable.
			r.acceptor.report(&Error{Op: OpReceive, Type: c.Type(), Address: c.Address(), Err: err})
			return
		}
		r.readFailed(c, err)
		return
	}

	r.acceptor.observer.MessageReceived(c.Type().String(), r.acceptor.codec.Name(h.kind))

	if h.flags&flagResponse != 0 {
		level.Debug(r.logger).Log("msg", "ignoring unsolicited response", "connection", c.String(), "kind", r.acceptor.codec.Name(h.kind))
		return
	}
	if h.flags&flagRequest != 0 {
		msg = &MessageRequiringResponse{
			Message:   msg,
			conn:      c,
			requestID: h.requestID,
			timeout:   DefaultWriteTimeout,
		}
	}

	// The reservation is held until the message is queued so messages from
	// one connection keep their order.
	select {
	case r.messages <- msg:
	case <-r.done:
	}
}

func (r *ServerReceiver) readFailed(c *Connection, err error) {
	wasClosed := c.IsClosed()
	reason := observability.DropReasonReadError
	quiet := wasClosed || r.isShutdown() || errors.Is(err, net.ErrClosed)
	if errors.Is(err, io.EOF) {
		reason = observability.DropReasonPeerClosed
		quiet = true
	} else if errors.Is(err, ErrFrameTooLarge) {
		reason = observability.DropReasonProtocolError
	}

	r.acceptor.discard(c, reason)
	if !quiet {
		r.acceptor.report(&Error{Op: OpReceive, Type: c.Type(), Address: c.Address(), Err: err})
	}
}

// WaitForMessage blocks for the next message. It returns ErrShutdown once
// the receiver is shut down, and ctx.Err() if ctx ends first.
func (r *ServerReceiver) WaitForMessage(ctx context.Context) (Message, error) {
	if r.isShutdown() {
		return nil, ErrShutdown
	}
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-r.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *ServerReceiver) isShutdown() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Shutdown stops the readers. Reads still in flight after the grace period
// have their connections closed. Repeated calls are no-ops.
func (r *ServerReceiver) Shutdown() {
	r.once.Do(func() {
		close(r.done)

		finished := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			return
		case <-time.After(r.grace):
		}

		r.activeMu.Lock()
		for c := range r.active {
			r.acceptor.discard(c, observability.DropReasonShutdown)
		}
		r.activeMu.Unlock()
		<-finished
	})
}
