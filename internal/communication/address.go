package communication

import (
	"strings"

	"github.com/segmentio/ksuid"
)

// Address identifies a peer independently of its socket. Addressed sends
// deliver to every connection whose address the target Includes.
type Address interface {
	Includes(other Address) bool
	String() string
}

// AgentAddress addresses an agent and, through Includes, the workers it runs.
type AgentAddress struct {
	ID string
}

func (a AgentAddress) Includes(other Address) bool {
	switch o := other.(type) {
	case AgentAddress:
		return o.ID == a.ID
	case WorkerAddress:
		return o.AgentID == a.ID
	}
	return false
}

func (a AgentAddress) String() string { return "agent:" + a.ID }

// WorkerAddress addresses a single worker process.
type WorkerAddress struct {
	AgentID string
	ID      string
}

func (a WorkerAddress) Includes(other Address) bool {
	o, ok := other.(WorkerAddress)
	return ok && o == a
}

func (a WorkerAddress) String() string { return "worker:" + a.AgentID + "/" + a.ID }

// BroadcastAddress includes every address.
type BroadcastAddress struct{}

func (BroadcastAddress) Includes(Address) bool { return true }
func (BroadcastAddress) String() string        { return "broadcast" }

// AddressSet includes whatever any of its members includes.
type AddressSet []Address

func (s AddressSet) Includes(other Address) bool {
	for _, a := range s {
		if a.Includes(other) {
			return true
		}
	}
	return false
}

func (s AddressSet) String() string {
	parts := make([]string, len(s))
	for i, a := range s {
		parts[i] = a.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Identity describes the process on the client side of a connection. It is
// sent in the handshake.
type Identity struct {
	ID      string `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint,omitempty"`
	AgentID string `cbor:"3,keyasint,omitempty"`
	// Number is the agent number assigned by the console, -1 until then.
	Number int `cbor:"4,keyasint"`
}

// NewIdentity returns an identity with a fresh unique ID.
func NewIdentity(name string) Identity {
	return Identity{ID: ksuid.New().String(), Name: name, Number: -1}
}

// NewWorkerIdentity returns an identity for a worker run by agentID.
func NewWorkerIdentity(agentID, name string) Identity {
	id := NewIdentity(name)
	id.AgentID = agentID
	return id
}

// Address returns the address a connection of type t with this identity is
// reachable under. Console clients are not addressable.
func (i Identity) Address(t ConnectionType) Address {
	switch t {
	case ConnectionTypeAgent:
		return AgentAddress{ID: i.ID}
	case ConnectionTypeWorker:
		return WorkerAddress{AgentID: i.AgentID, ID: i.ID}
	}
	return nil
}
