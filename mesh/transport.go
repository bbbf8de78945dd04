package mesh

import (
	"context"
)

// TransportKind identifies a transport class. Node ids are only unique
// within one kind.
type TransportKind string

const (
	TransportRadio     TransportKind = "radio"
	TransportLocalWifi TransportKind = "local-wifi"
)

// TransportEventKind enumerates events an adapter reports to the engine.
type TransportEventKind int

const (
	PeerDiscovered TransportEventKind = iota
	PeerConnected
	PeerDisconnected
	DataReceived
	StateChanged
)

func (k TransportEventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "peerDiscovered"
	case PeerConnected:
		return "peerConnected"
	case PeerDisconnected:
		return "peerDisconnected"
	case DataReceived:
		return "dataReceived"
	case StateChanged:
		return "stateChanged"
	default:
		return "unknown"
	}
}

// TransportEvent is one adapter notification. PeerID is set for peer and
// data events, Data only for DataReceived, State only for StateChanged.
type TransportEvent struct {
	Kind   TransportEventKind
	PeerID string
	Info   map[string]any
	Data   []byte
	State  string
	Err    error
}

// Transport is a point-to-point link layer the engine drives. Adapters own
// their sockets and goroutines; the engine consumes Events from a single
// goroutine per adapter, so ordering on the channel is delivery ordering.
//
// Send must deliver payload to one connected peer and return once the write
// is handed to the link or has failed. Implementations must honor ctx
// cancellation on Connect and Send. Events must be closed by Close.
type Transport interface {
	Kind() TransportKind
	Available() bool
	RequestPermissions(ctx context.Context) (bool, error)
	StartDiscovery(ctx context.Context) error
	StopDiscovery() error
	Connect(ctx context.Context, peerID string) error
	Disconnect(peerID string) error
	Send(ctx context.Context, peerID string, payload []byte) error
	Events() <-chan TransportEvent
	Close() error
}
