// Package communication implements the console's message layer: a
// typed-connection acceptor, a pooled receiver, a dispatch registry keyed by
// message kind, a fan-out sender and the client-side connector used by agents,
// workers and console clients.
//
// Every connection carries length-framed messages. Bodies are CBOR, except
// for messages that stream statistics, which encode through the connection's
// own statistics.Serialiser so delta baselines follow the socket.
package communication

import "fmt"

// ConnectionType is declared by the client during the handshake and decides
// which pool an accepted connection joins.
type ConnectionType uint8

const (
	ConnectionTypeAgent ConnectionType = iota + 1
	ConnectionTypeWorker
	ConnectionTypeConsoleClient
)

// AllConnectionTypes lists every valid type in declaration order.
var AllConnectionTypes = []ConnectionType{
	ConnectionTypeAgent,
	ConnectionTypeWorker,
	ConnectionTypeConsoleClient,
}

func (t ConnectionType) Valid() bool {
	return t >= ConnectionTypeAgent && t <= ConnectionTypeConsoleClient
}

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeAgent:
		return "agent"
	case ConnectionTypeWorker:
		return "worker"
	case ConnectionTypeConsoleClient:
		return "console-client"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
