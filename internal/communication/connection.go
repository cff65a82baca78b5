package communication

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grindstone/internal/statistics"
)

// Connection is one handshaken socket. Writes are serialised by the
// connection; reads are performed by whichever goroutine holds it (a receiver
// reservation or the client reader).
type Connection struct {
	id             uint64
	conn           net.Conn
	reader         *bufio.Reader
	connectionType ConnectionType
	identity       Identity
	address        Address
	codec          *Codec

	// readZ and writeZ hold the delta baselines for each direction.
	readZ  *statistics.Serialiser
	writeZ *statistics.Serialiser

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConnection(id uint64, nc net.Conn, reader *bufio.Reader, t ConnectionType, hs Handshake, codec *Codec, layout *statistics.IndexMap) *Connection {
	return &Connection{
		id:             id,
		conn:           nc,
		reader:         reader,
		connectionType: t,
		identity:       hs.Identity,
		address:        hs.Identity.Address(t),
		codec:          codec,
		readZ:          statistics.NewSerialiser(layout, hs.DeltaEncoding),
		writeZ:         statistics.NewSerialiser(layout, hs.DeltaEncoding),
	}
}

func (c *Connection) Type() ConnectionType { return c.connectionType }
func (c *Connection) Identity() Identity   { return c.identity }

// Address returns the peer's address, or nil for console clients.
func (c *Connection) Address() Address { return c.address }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Connection) String() string {
	if c.address != nil {
		return fmt.Sprintf("%s#%d(%s)", c.connectionType, c.id, c.address)
	}
	return fmt.Sprintf("%s#%d(%s)", c.connectionType, c.id, c.conn.RemoteAddr())
}

// Close closes the socket. Repeated calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) send(msg Message, flags byte, requestID uint32, timeout time.Duration) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, compressed, err := c.codec.encode(msg, c.writeZ)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	if compressed {
		flags |= flagCompressed
	}

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return writeFrame(c.conn, frameHeader{flags: flags, kind: msg.Kind(), requestID: requestID}, body)
}

// readMessage reads and decodes the next frame. The caller must be the only
// reader. A decode error still returns the header of the consumed frame.
func (c *Connection) readMessage() (frameHeader, Message, error) {
	h, body, err := readFrame(c.reader)
	if err != nil {
		return h, nil, err
	}
	msg, err := c.codec.decode(h.kind, body, h.flags&flagCompressed != 0, c.readZ)
	return h, msg, err
}

// connectionPool holds the accepted connections of one type and hands them
// out to receiver goroutines one at a time.
type connectionPool struct {
	mu       sync.Mutex
	conns    []*Connection
	reserved map[*Connection]struct{}
	next     int
	closed   bool
}

func newConnectionPool() *connectionPool {
	return &connectionPool{reserved: make(map[*Connection]struct{})}
}

func (p *connectionPool) add(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns = append(p.conns, c)
	return true
}

func (p *connectionPool) remove(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.conns {
		if existing != c {
			continue
		}
		p.conns = append(p.conns[:i], p.conns[i+1:]...)
		delete(p.reserved, c)
		if p.next > i {
			p.next--
		}
		return true
	}
	return false
}

// reserveNext returns the next open, unreserved connection in round-robin
// order, or nil.
func (p *connectionPool) reserveNext() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.conns)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		c := p.conns[idx]
		if _, busy := p.reserved[c]; busy || c.IsClosed() {
			continue
		}
		p.reserved[c] = struct{}{}
		p.next = (idx + 1) % n
		return c
	}
	return nil
}

func (p *connectionPool) release(c *Connection) {
	p.mu.Lock()
	delete(p.reserved, c)
	p.mu.Unlock()
}

func (p *connectionPool) snapshot() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.conns...)
}

func (p *connectionPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// closeAll empties the pool, refuses further additions and returns what it
// held.
func (p *connectionPool) closeAll() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.reserved = make(map[*Connection]struct{})
	return conns
}
