package communication

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/observability"
	"grindstone/internal/statistics"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second

	pendingErrorCapacity = 256
	acceptRetryDelay     = 5 * time.Millisecond
)

// ConnectionListener is told about connections of the type it was added for.
// Callbacks run on acceptor goroutines and must not block.
type ConnectionListener interface {
	ConnectionAccepted(c *Connection)
	ConnectionClosed(c *Connection)
}

type AcceptorOption func(*Acceptor)

func WithLogger(logger log.Logger) AcceptorOption {
	return func(a *Acceptor) { a.logger = logger }
}

// WithIndexMap sets the statistics layout clients must match.
func WithIndexMap(layout *statistics.IndexMap) AcceptorOption {
	return func(a *Acceptor) { a.layout = layout }
}

// WithCodec sets the codec used to decode and encode messages on accepted
// connections.
func WithCodec(codec *Codec) AcceptorOption {
	return func(a *Acceptor) { a.codec = codec }
}

func WithHandshakeTimeout(d time.Duration) AcceptorOption {
	return func(a *Acceptor) { a.handshakeTimeout = d }
}

func WithObserver(obs observability.CommunicationObserver) AcceptorOption {
	return func(a *Acceptor) { a.observer = obs }
}

// Acceptor listens on a TCP port, handshakes every socket and files the
// resulting connections by type. Errors that happen on its goroutines (and on
// receivers reading its connections) are queued for PendingError.
type Acceptor struct {
	listener         net.Listener
	logger           log.Logger
	observer         observability.CommunicationObserver
	layout           *statistics.IndexMap
	codec            *Codec
	handshakeTimeout time.Duration

	pools map[ConnectionType]*connectionPool

	listenersMu sync.Mutex
	listeners   map[ConnectionType][]ConnectionListener

	pendingMu sync.Mutex
	pending   map[net.Conn]struct{}

	errors chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewAcceptor binds host:port and starts numberOfThreads accept loops. Port 0
// picks a free port; see Addr.
func NewAcceptor(host string, port int, numberOfThreads int, opts ...AcceptorOption) (*Acceptor, error) {
	a := &Acceptor{
		logger:           log.NewNopLogger(),
		observer:         observability.NoopCommunicationObserver,
		handshakeTimeout: DefaultHandshakeTimeout,
		pools:            make(map[ConnectionType]*connectionPool),
		listeners:        make(map[ConnectionType][]ConnectionListener),
		pending:          make(map[net.Conn]struct{}),
		errors:           make(chan error, pendingErrorCapacity),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.layout == nil {
		layout, err := statistics.NewIndexMap()
		if err != nil {
			return nil, err
		}
		a.layout = layout
	}
	if a.codec == nil {
		a.codec = NewCodec()
	}
	for _, t := range AllConnectionTypes {
		a.pools[t] = newConnectionPool()
	}

	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &Error{Op: OpBind, Err: err}
	}
	a.listener = l

	if numberOfThreads < 1 {
		numberOfThreads = 1
	}
	for i := 0; i < numberOfThreads; i++ {
		a.wg.Add(1)
		go a.acceptLoop()
	}

	level.Info(a.logger).Log("msg", "accepting connections", "addr", l.Addr().String())

	return a, nil
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Layout returns the statistics layout clients are checked against.
func (a *Acceptor) Layout() *statistics.IndexMap { return a.layout }

func (a *Acceptor) Codec() *Codec { return a.codec }

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		nc, err := a.listener.Accept()
		if err != nil {
			if a.isShutdown() {
				return
			}
			a.report(&Error{Op: OpBind, Err: err})
			time.Sleep(acceptRetryDelay)
			continue
		}

		a.pendingMu.Lock()
		if a.isShutdown() {
			a.pendingMu.Unlock()
			_ = nc.Close()
			return
		}
		a.pending[nc] = struct{}{}
		a.pendingMu.Unlock()

		a.wg.Add(1)
		go a.handshake(nc)
	}
}

func (a *Acceptor) handshake(nc net.Conn) {
	defer a.wg.Done()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, nc)
		a.pendingMu.Unlock()
	}()

	_ = nc.SetDeadline(time.Now().Add(a.handshakeTimeout))
	reader := bufio.NewReader(nc)

	t, hs, status, err := readHandshake(reader)
	if err == nil && status == statusAccepted && hs.Layout != a.layout.Fingerprint() {
		status = statusLayoutMismatch
	}
	if err == nil {
		_, err = nc.Write([]byte{byte(status)})
	}

	if err != nil || status != statusAccepted {
		_ = nc.Close()
		if err == nil {
			err = status.err()
		}
		a.observer.Handshake(handshakeResult(status, err))
		a.report(&Error{Op: OpHandshake, Type: t, Address: hs.Identity.Address(t), Err: err})
		return
	}
	_ = nc.SetDeadline(time.Time{})
	a.observer.Handshake(observability.HandshakeResultOK)

	c := newConnection(a.nextID.Add(1), nc, reader, t, hs, a.codec, a.layout)
	pool := a.pools[t]
	if !pool.add(c) {
		_ = c.Close()
		return
	}

	level.Debug(a.logger).Log("msg", "connection accepted", "connection", c.String(), "remote", nc.RemoteAddr().String())

	a.observer.ConnCount(t.String(), pool.len())
	for _, l := range a.listenersFor(t) {
		l.ConnectionAccepted(c)
	}
}

func handshakeResult(status handshakeStatus, err error) observability.HandshakeResult {
	if err != nil && !errors.Is(err, status.err()) {
		return observability.HandshakeResultIOError
	}
	switch status {
	case statusRejectedType:
		return observability.HandshakeResultRejectedType
	case statusLayoutMismatch:
		return observability.HandshakeResultLayoutMismatch
	default:
		return observability.HandshakeResultMalformed
	}
}

// AddListener registers l for connections of type t.
func (a *Acceptor) AddListener(t ConnectionType, l ConnectionListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners[t] = append(a.listeners[t], l)
}

func (a *Acceptor) listenersFor(t ConnectionType) []ConnectionListener {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	return append([]ConnectionListener(nil), a.listeners[t]...)
}

// Connections returns the live connections of type t.
func (a *Acceptor) Connections(t ConnectionType) []*Connection {
	pool, ok := a.pools[t]
	if !ok {
		return nil
	}
	return pool.snapshot()
}

// NumberOfConnections returns the number of live connections of every type.
func (a *Acceptor) NumberOfConnections() int {
	n := 0
	for _, pool := range a.pools {
		n += pool.len()
	}
	return n
}

// PendingError returns the next asynchronous error. With block set it waits
// for one; it returns nil once the acceptor is shut down, and nil without
// waiting when block is false and nothing is queued.
func (a *Acceptor) PendingError(block bool) error {
	if a.isShutdown() {
		return nil
	}
	if !block {
		select {
		case err := <-a.errors:
			return err
		default:
			return nil
		}
	}
	select {
	case err := <-a.errors:
		return err
	case <-a.done:
		return nil
	}
}

func (a *Acceptor) report(err error) {
	if a.isShutdown() {
		return
	}
	select {
	case a.errors <- err:
	default:
		level.Warn(a.logger).Log("msg", "pending error queue full, dropping error", "err", err)
	}
}

// discard closes c and removes it from its pool. Listeners hear about each
// connection once.
func (a *Acceptor) discard(c *Connection, reason observability.DropReason) {
	_ = c.Close()
	pool := a.pools[c.Type()]
	if !pool.remove(c) {
		return
	}

	level.Debug(a.logger).Log("msg", "connection discarded", "connection", c.String(), "reason", string(reason))

	a.observer.Dropped(c.Type().String(), reason)
	a.observer.ConnCount(c.Type().String(), pool.len())
	for _, l := range a.listenersFor(c.Type()) {
		l.ConnectionClosed(c)
	}
}

func (a *Acceptor) isShutdown() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting, closes every connection and wakes PendingError
// callers. Repeated calls are no-ops.
func (a *Acceptor) Shutdown() {
	a.once.Do(func() {
		a.pendingMu.Lock()
		close(a.done)
		for nc := range a.pending {
			_ = nc.Close()
		}
		a.pendingMu.Unlock()

		_ = a.listener.Close()

		for _, t := range AllConnectionTypes {
			for _, c := range a.pools[t].closeAll() {
				_ = c.Close()
				for _, l := range a.listenersFor(t) {
					l.ConnectionClosed(c)
				}
			}
			a.observer.ConnCount(t.String(), 0)
		}
		a.wg.Wait()

		level.Info(a.logger).Log("msg", "acceptor shut down")
	})
}
