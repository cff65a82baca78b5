package communication

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grindstone/internal/statistics"
)

const (
	kindPing       Kind = 1
	kindEcho       Kind = 2
	kindStats      Kind = 3
	kindWorkerDone Kind = 4
)

type pingMessage struct {
	Seq  int    `cbor:"1,keyasint"`
	From string `cbor:"2,keyasint,omitempty"`
}

func (*pingMessage) Kind() Kind { return kindPing }

type echoMessage struct {
	Text string `cbor:"1,keyasint"`
}

func (*echoMessage) Kind() Kind { return kindEcho }

// statsMessage streams one statistics set through the connection's
// serialiser.
type statsMessage struct {
	Set *statistics.Set
}

func (*statsMessage) Kind() Kind { return kindStats }

func (m *statsMessage) MarshalStream(z *statistics.Serialiser) ([]byte, error) {
	var buf bytes.Buffer
	if err := z.WriteSet(&buf, "stats", m.Set); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *statsMessage) UnmarshalStream(z *statistics.Serialiser, data []byte) error {
	s, err := z.ReadSet(bytes.NewReader(data), "stats")
	if err != nil {
		return err
	}
	m.Set = s
	return nil
}

func newTestCodec() *Codec {
	c := NewCodec()
	c.Register(kindPing, "Ping", func() Message { return &pingMessage{} })
	c.Register(kindEcho, "Echo", func() Message { return &echoMessage{} })
	c.Register(kindStats, "Stats", func() Message { return &statsMessage{} })
	return c
}

func newTestLayout(t *testing.T, opts ...statistics.Option) *statistics.IndexMap {
	t.Helper()
	layout, err := statistics.NewIndexMap(opts...)
	require.NoError(t, err)
	return layout
}

func startAcceptor(t *testing.T, opts ...AcceptorOption) *Acceptor {
	t.Helper()
	opts = append([]AcceptorOption{WithCodec(newTestCodec()), WithHandshakeTimeout(time.Second)}, opts...)
	a, err := NewAcceptor("127.0.0.1", 0, 2, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	return a
}

func connect(t *testing.T, a *Acceptor, ct ConnectionType, identity Identity, opts ...ConnectorOption) *ClientConnection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cc, err := NewConnector(a.Addr().String(), ct, identity, newTestCodec(), opts...).Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func waitForConnections(t *testing.T, a *Acceptor, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return a.NumberOfConnections() == n },
		2*time.Second, 5*time.Millisecond, "expected %d connections", n)
}

func startReceiver(t *testing.T, a *Acceptor, types ...ConnectionType) *ServerReceiver {
	t.Helper()
	r, err := ReceiveFrom(a, types, 4, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func waitForMessage(t *testing.T, r *ServerReceiver) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.WaitForMessage(ctx)
	require.NoError(t, err)
	return msg
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
