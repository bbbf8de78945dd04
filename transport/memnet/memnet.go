// Package memnet provides an in-memory Transport connecting stations on a
// shared fabric. It exists for tests and single-process demos: several
// engines can be wired into arbitrary topologies without touching a
// network interface.
package memnet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CodeMaker46/connectx/mesh"
)

const eventBuffer = 256

// Network is a fabric of stations reachable by id. Stations on different
// Networks never see each other, which is how tests build multi-hop
// topologies: a bridging engine joins two fabrics under two transport
// kinds.
type Network struct {
	kind   mesh.TransportKind
	logger *slog.Logger

	mu       sync.Mutex
	stations map[string]*Transport
	links    map[linkKey]struct{}
}

type linkKey struct {
	a, b string
}

func newLinkKey(a, b string) linkKey {
	if a > b {
		a, b = b, a
	}
	return linkKey{a: a, b: b}
}

// NewNetwork builds an empty fabric whose stations report the given
// transport kind.
func NewNetwork(kind mesh.TransportKind, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		kind:     kind,
		logger:   logger,
		stations: make(map[string]*Transport),
		links:    make(map[linkKey]struct{}),
	}
}

// Join adds a station to the fabric and returns its transport. A station id
// already in use is replaced; the previous station is closed.
func (n *Network) Join(id string) *Transport {
	t := &Transport{
		net:    n,
		id:     id,
		events: make(chan mesh.TransportEvent, eventBuffer),
	}
	n.mu.Lock()
	old := n.stations[id]
	n.stations[id] = t
	n.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return t
}

func (n *Network) linked(a, b string) bool {
	_, ok := n.links[newLinkKey(a, b)]
	return ok
}

// Transport is one station on a Network. It implements mesh.Transport.
type Transport struct {
	net    *Network
	id     string
	events chan mesh.TransportEvent

	emitMu sync.Mutex
	closed bool

	stateMu     sync.Mutex
	unavailable bool
	denyPerms   bool
	discovering bool
}

var _ mesh.Transport = (*Transport)(nil)

// ID returns the station's fabric address.
func (t *Transport) ID() string { return t.id }

// SetAvailable flips the self-reported availability, letting tests exercise
// degraded starts.
func (t *Transport) SetAvailable(ok bool) {
	t.stateMu.Lock()
	t.unavailable = !ok
	t.stateMu.Unlock()
}

// DenyPermissions makes the next permission request fail.
func (t *Transport) DenyPermissions(deny bool) {
	t.stateMu.Lock()
	t.denyPerms = deny
	t.stateMu.Unlock()
}

func (t *Transport) Kind() mesh.TransportKind { return t.net.kind }

func (t *Transport) Available() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return !t.unavailable
}

func (t *Transport) RequestPermissions(context.Context) (bool, error) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return !t.denyPerms, nil
}

// StartDiscovery announces the station. Every other discovering station on
// the fabric learns about it, and it learns about them.
func (t *Transport) StartDiscovery(context.Context) error {
	t.stateMu.Lock()
	t.discovering = true
	t.stateMu.Unlock()

	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	for id, other := range t.net.stations {
		if id == t.id || !other.isDiscovering() {
			continue
		}
		other.emit(mesh.TransportEvent{Kind: mesh.PeerDiscovered, PeerID: t.id})
		t.emit(mesh.TransportEvent{Kind: mesh.PeerDiscovered, PeerID: id})
	}
	return nil
}

func (t *Transport) StopDiscovery() error {
	t.stateMu.Lock()
	t.discovering = false
	t.stateMu.Unlock()
	return nil
}

func (t *Transport) isDiscovering() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.discovering
}

// Connect links the station to a peer. Both ends observe peerConnected.
// Connecting twice is a no-op, so two engines dialing each other after
// mutual discovery end up with a single link.
func (t *Transport) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	peer, ok := t.net.stations[peerID]
	if !ok {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "station %q is not on the fabric", peerID)
	}
	key := newLinkKey(t.id, peerID)
	if _, linked := t.net.links[key]; linked {
		return nil
	}
	t.net.links[key] = struct{}{}
	t.emit(mesh.TransportEvent{Kind: mesh.PeerConnected, PeerID: peerID})
	peer.emit(mesh.TransportEvent{Kind: mesh.PeerConnected, PeerID: t.id})
	return nil
}

// Disconnect tears the link down on both ends.
func (t *Transport) Disconnect(peerID string) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	key := newLinkKey(t.id, peerID)
	if _, linked := t.net.links[key]; !linked {
		return nil
	}
	delete(t.net.links, key)
	t.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: peerID})
	if peer, ok := t.net.stations[peerID]; ok {
		peer.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: t.id})
	}
	return nil
}

// Send delivers payload to a linked peer as one dataReceived event.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	peer, ok := t.net.stations[peerID]
	if !ok || !t.net.linked(t.id, peerID) {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "no link from %q to %q", t.id, peerID)
	}
	peer.emit(mesh.TransportEvent{
		Kind:   mesh.DataReceived,
		PeerID: t.id,
		Data:   append([]byte(nil), payload...),
	})
	return nil
}

func (t *Transport) Events() <-chan mesh.TransportEvent { return t.events }

// Close removes the station from the fabric. Linked peers observe
// peerDisconnected; the event channel is closed.
func (t *Transport) Close() error {
	t.net.mu.Lock()
	if t.net.stations[t.id] == t {
		delete(t.net.stations, t.id)
	}
	for key := range t.net.links {
		if key.a != t.id && key.b != t.id {
			continue
		}
		delete(t.net.links, key)
		peerID := key.a
		if peerID == t.id {
			peerID = key.b
		}
		if peer, ok := t.net.stations[peerID]; ok {
			peer.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: t.id})
		}
	}
	t.net.mu.Unlock()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// emit never blocks: a full buffer drops the event, mirroring how a lossy
// link behaves.
func (t *Transport) emit(ev mesh.TransportEvent) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.net.logger.Warn("memnet event dropped", "station", t.id, "event", ev.Kind.String())
	}
}
