// Package observability defines the metric events emitted by the
// communication layer and the console. Exporters live in sub-packages.
package observability

type HandshakeResult string

const (
	HandshakeResultOK             HandshakeResult = "ok"
	HandshakeResultRejectedType   HandshakeResult = "rejected_type"
	HandshakeResultLayoutMismatch HandshakeResult = "layout_mismatch"
	HandshakeResultMalformed      HandshakeResult = "malformed"
	HandshakeResultIOError        HandshakeResult = "io_error"
)

type DropReason string

const (
	DropReasonPeerClosed    DropReason = "peer_closed"
	DropReasonReadError     DropReason = "read_error"
	DropReasonWriteError    DropReason = "write_error"
	DropReasonProtocolError DropReason = "protocol_error"
	DropReasonShutdown      DropReason = "shutdown"
)

// CommunicationObserver receives connection-level metric events. Connection
// types are passed by name.
type CommunicationObserver interface {
	ConnCount(connectionType string, n int)
	Handshake(result HandshakeResult)
	MessageReceived(connectionType string, kind string)
	MessageSent(connectionType string, kind string)
	Dropped(connectionType string, reason DropReason)
}

// ConsoleObserver receives console-level metric events.
type ConsoleObserver interface {
	LiveAgents(n int)
	ReportMerged(tests int)
	Recording(on bool)
}

type noopCommunicationObserver struct{}

func (noopCommunicationObserver) ConnCount(string, int)          {}
func (noopCommunicationObserver) Handshake(HandshakeResult)      {}
func (noopCommunicationObserver) MessageReceived(string, string) {}
func (noopCommunicationObserver) MessageSent(string, string)     {}
func (noopCommunicationObserver) Dropped(string, DropReason)     {}

type noopConsoleObserver struct{}

func (noopConsoleObserver) LiveAgents(int)   {}
func (noopConsoleObserver) ReportMerged(int) {}
func (noopConsoleObserver) Recording(bool)   {}

// NoopCommunicationObserver is used when metrics are disabled.
var NoopCommunicationObserver CommunicationObserver = noopCommunicationObserver{}

// NoopConsoleObserver is used when metrics are disabled.
var NoopConsoleObserver ConsoleObserver = noopConsoleObserver{}
