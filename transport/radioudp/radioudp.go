// Package radioudp implements the short-range radio transport on UDP:
// stations announce themselves with multicast beacons and exchange frames
// as unicast datagrams. A missed-beacon timeout stands in for radio range;
// peers that fall silent drop off the link table.
package radioudp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/CodeMaker46/connectx/mesh"
)

const (
	// DefaultGroup is the multicast group beacons are sent to.
	DefaultGroup = "239.255.250.250:9993"

	DefaultBeaconInterval = 2 * time.Second
	DefaultMaxFrameBytes  = mesh.DefaultMaxFrameBytes

	eventBuffer = 256

	opBeacon = "beacon"
	opHello  = "hello"
	opBye    = "bye"
	opData   = "data"
)

// datagram is the envelope for everything the transport puts on the wire.
// Payload carries the engine's frame untouched for op "data".
type datagram struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Port    int             `json:"port,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options configures a Transport. Zero values fall back to defaults.
type Options struct {
	// StationID is this station's address on the radio. Defaults to a
	// random id.
	StationID string

	// Group is the beacon multicast address.
	Group string

	// DataPort fixes the unicast data port; 0 binds an ephemeral one.
	DataPort int

	BeaconInterval time.Duration

	// PeerTTL drops peers whose last beacon is older than this. Defaults
	// to three beacon intervals.
	PeerTTL time.Duration

	MaxFrameBytes int

	Logger *slog.Logger
	Clock  clock.Clock
}

func normalizeOptions(opts Options) Options {
	if opts.StationID == "" {
		opts.StationID = "radio-" + uuid.NewString()[:8]
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.BeaconInterval <= 0 {
		opts.BeaconInterval = DefaultBeaconInterval
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = 3 * opts.BeaconInterval
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}

type peer struct {
	id       string
	addr     *net.UDPAddr
	lastSeen time.Time
	linked   bool
}

// Transport is one radio station. It implements mesh.Transport.
//
// Lifecycle: StartDiscovery binds the data socket (once) and the beacon
// listener, StopDiscovery silences beacons while keeping existing links
// usable, Close tears everything down.
type Transport struct {
	opts   Options
	logger *slog.Logger
	clk    clock.Clock
	events chan mesh.TransportEvent

	done     chan struct{}
	doneOnce sync.Once

	emitMu sync.Mutex
	closed bool

	mu          sync.Mutex
	discovering bool
	data        *net.UDPConn
	beaconRecv  *net.UDPConn
	groupAddr   *net.UDPAddr
	dataPort    int
	peers       map[string]*peer
	stop        chan struct{}
	discLoops   *sync.WaitGroup
	dataLoop    sync.WaitGroup
}

var _ mesh.Transport = (*Transport)(nil)

// New builds a station. Sockets are not bound until StartDiscovery.
func New(opts Options) (*Transport, error) {
	opts = normalizeOptions(opts)
	groupAddr, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve beacon group %q: %w", opts.Group, err)
	}
	return &Transport{
		opts:      opts,
		logger:    opts.Logger,
		clk:       opts.Clock,
		events:    make(chan mesh.TransportEvent, eventBuffer),
		done:      make(chan struct{}),
		groupAddr: groupAddr,
		peers:     make(map[string]*peer),
	}, nil
}

// StationID returns the id beacons announce.
func (t *Transport) StationID() string { return t.opts.StationID }

func (t *Transport) Kind() mesh.TransportKind { return mesh.TransportRadio }

// Available reports whether the host has a usable multicast interface.
func (t *Transport) Available() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			return true
		}
	}
	return false
}

// RequestPermissions always grants: binding UDP sockets needs no OS-level
// consent prompt.
func (t *Transport) RequestPermissions(context.Context) (bool, error) {
	return true, nil
}

// StartDiscovery binds the sockets and starts beaconing. The data socket
// survives a later StopDiscovery so established links keep flowing.
func (t *Transport) StartDiscovery(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discovering {
		return nil
	}

	if err := t.ensureDataSocketLocked(); err != nil {
		return err
	}

	beaconRecv, err := net.ListenMulticastUDP("udp4", nil, t.groupAddr)
	if err != nil {
		return fmt.Errorf("join beacon group %s: %w", t.groupAddr, err)
	}
	if err := beaconRecv.SetReadBuffer(t.opts.MaxFrameBytes); err != nil {
		t.logger.Debug("set beacon read buffer", "err", err)
	}
	t.beaconRecv = beaconRecv
	t.discovering = true
	stop := make(chan struct{})
	t.stop = stop
	loops := &sync.WaitGroup{}
	t.discLoops = loops

	loops.Add(3)
	go t.beaconLoop(stop, loops)
	go t.readLoop(beaconRecv, stop, loops)
	go t.expireLoop(stop, loops)

	t.logger.Info("radio discovery started",
		"station_id", t.opts.StationID, "group", t.opts.Group, "data_port", t.dataPort)
	t.emit(mesh.TransportEvent{Kind: mesh.StateChanged, State: "discovering"})
	return nil
}

// ensureDataSocketLocked binds the unicast data socket and starts its read
// loop. Caller holds t.mu. The socket lives until Close.
func (t *Transport) ensureDataSocketLocked() error {
	if t.data != nil {
		return nil
	}
	data, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: t.opts.DataPort})
	if err != nil {
		return fmt.Errorf("bind data socket: %w", err)
	}
	t.data = data
	t.dataPort = data.LocalAddr().(*net.UDPAddr).Port
	t.dataLoop.Add(1)
	go t.readLoop(data, t.done, &t.dataLoop)
	return nil
}

// StopDiscovery silences beacons and stops learning or expiring peers.
// Existing links stay usable until Close or a bye from the far end.
func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.discovering = false
	stop := t.stop
	t.stop = nil
	loops := t.discLoops
	t.discLoops = nil
	beaconRecv := t.beaconRecv
	t.beaconRecv = nil
	t.mu.Unlock()

	close(stop)
	beaconRecv.Close()
	loops.Wait()

	t.logger.Info("radio discovery stopped", "station_id", t.opts.StationID)
	t.emit(mesh.TransportEvent{Kind: mesh.StateChanged, State: "idle"})
	return nil
}

// Connect marks a beacon-known peer as linked and sends it a hello so the
// far end links back.
func (t *Transport) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return mesh.WrapMeshError(mesh.ErrSendFailed, "radio peer %q is unknown", peerID)
	}
	if p.linked {
		t.mu.Unlock()
		return nil
	}
	p.linked = true
	addr := p.addr
	data := t.data
	port := t.dataPort
	t.mu.Unlock()

	if data == nil {
		return mesh.WrapMeshError(mesh.ErrTransportUnavailable, "radio data socket is not bound")
	}
	t.emit(mesh.TransportEvent{Kind: mesh.PeerConnected, PeerID: peerID, Info: peerInfo(addr)})
	return t.writeDatagram(data, addr, datagram{Op: opHello, ID: t.opts.StationID, Port: port})
}

// Disconnect unlinks the peer and tells it goodbye. The peer stays in the
// beacon table and may be reconnected.
func (t *Transport) Disconnect(peerID string) error {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok || !p.linked {
		t.mu.Unlock()
		return nil
	}
	p.linked = false
	addr := p.addr
	data := t.data
	t.mu.Unlock()

	t.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: peerID})
	if data != nil {
		return t.writeDatagram(data, addr, datagram{Op: opBye, ID: t.opts.StationID})
	}
	return nil
}

// Send unicasts one frame to a linked peer.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > t.opts.MaxFrameBytes {
		return mesh.WrapMeshError(mesh.ErrSendFailed,
			"frame of %d bytes exceeds the %d byte radio limit", len(payload), t.opts.MaxFrameBytes)
	}
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok || !p.linked {
		t.mu.Unlock()
		return mesh.WrapMeshError(mesh.ErrSendFailed, "radio peer %q is not linked", peerID)
	}
	addr := p.addr
	data := t.data
	t.mu.Unlock()

	if data == nil {
		return mesh.WrapMeshError(mesh.ErrTransportUnavailable, "radio data socket is not bound")
	}
	return t.writeDatagram(data, addr, datagram{Op: opData, ID: t.opts.StationID, Payload: payload})
}

func (t *Transport) Events() <-chan mesh.TransportEvent { return t.events }

// Close shuts the station down: discovery stopped, linked peers told
// goodbye, sockets closed, event channel closed. Safe to call twice.
func (t *Transport) Close() error {
	_ = t.StopDiscovery()

	t.mu.Lock()
	data := t.data
	t.data = nil
	var linked []*peer
	for _, p := range t.peers {
		if p.linked {
			linked = append(linked, p)
		}
	}
	t.peers = make(map[string]*peer)
	t.mu.Unlock()

	if data != nil {
		for _, p := range linked {
			_ = t.writeDatagram(data, p.addr, datagram{Op: opBye, ID: t.opts.StationID})
		}
	}
	t.doneOnce.Do(func() { close(t.done) })
	if data != nil {
		data.Close()
	}
	t.dataLoop.Wait()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// beaconLoop announces the station on the multicast group until stopped.
func (t *Transport) beaconLoop(stop <-chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()
	ticker := t.clk.Ticker(t.opts.BeaconInterval)
	defer ticker.Stop()

	t.sendBeacon()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sendBeacon()
		}
	}
}

func (t *Transport) sendBeacon() {
	t.mu.Lock()
	data := t.data
	port := t.dataPort
	t.mu.Unlock()
	if data == nil {
		return
	}
	if err := t.writeDatagram(data, t.groupAddr, datagram{Op: opBeacon, ID: t.opts.StationID, Port: port}); err != nil {
		t.logger.Debug("beacon send failed", "err", err)
	}
}

// readLoop drains one socket until the socket is closed.
func (t *Transport) readLoop(conn *net.UDPConn, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, t.opts.MaxFrameBytes+1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
			default:
				t.logger.Debug("radio read loop ended", "err", err)
			}
			return
		}
		t.handleDatagram(buf[:n], src)
	}
}

func (t *Transport) handleDatagram(raw []byte, src *net.UDPAddr) {
	var dg datagram
	if err := json.Unmarshal(raw, &dg); err != nil {
		t.logger.Debug("dropped undecodable datagram", "from", src, "err", err)
		return
	}
	if dg.ID == "" || dg.ID == t.opts.StationID {
		return
	}

	switch dg.Op {
	case opBeacon:
		t.handleBeacon(dg, src)
	case opHello:
		t.handleHello(dg, src)
	case opBye:
		t.handleBye(dg)
	case opData:
		t.handleData(dg)
	default:
		t.logger.Debug("dropped datagram with unknown op", "op", dg.Op, "from", src)
	}
}

// handleBeacon refreshes the peer table and surfaces new stations.
func (t *Transport) handleBeacon(dg datagram, src *net.UDPAddr) {
	if dg.Port <= 0 {
		return
	}
	addr := &net.UDPAddr{IP: src.IP, Port: dg.Port}

	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return
	}
	p, known := t.peers[dg.ID]
	if known {
		p.addr = addr
		p.lastSeen = t.clk.Now()
		t.mu.Unlock()
		return
	}
	t.peers[dg.ID] = &peer{id: dg.ID, addr: addr, lastSeen: t.clk.Now()}
	t.mu.Unlock()

	t.logger.Debug("radio peer discovered", "peer_id", dg.ID, "addr", addr)
	t.emit(mesh.TransportEvent{Kind: mesh.PeerDiscovered, PeerID: dg.ID, Info: peerInfo(addr)})
}

// handleHello links the sender, completing the two-way handshake.
func (t *Transport) handleHello(dg datagram, src *net.UDPAddr) {
	if dg.Port <= 0 {
		return
	}
	addr := &net.UDPAddr{IP: src.IP, Port: dg.Port}

	t.mu.Lock()
	p, known := t.peers[dg.ID]
	if !known {
		p = &peer{id: dg.ID, addr: addr}
		t.peers[dg.ID] = p
	}
	p.addr = addr
	p.lastSeen = t.clk.Now()
	alreadyLinked := p.linked
	p.linked = true
	data := t.data
	port := t.dataPort
	t.mu.Unlock()

	if alreadyLinked {
		return
	}
	t.emit(mesh.TransportEvent{Kind: mesh.PeerConnected, PeerID: dg.ID, Info: peerInfo(addr)})
	if data != nil {
		if err := t.writeDatagram(data, addr, datagram{Op: opHello, ID: t.opts.StationID, Port: port}); err != nil {
			t.logger.Debug("hello reply failed", "peer_id", dg.ID, "err", err)
		}
	}
}

func (t *Transport) handleBye(dg datagram) {
	t.mu.Lock()
	p, known := t.peers[dg.ID]
	if !known || !p.linked {
		t.mu.Unlock()
		return
	}
	p.linked = false
	t.mu.Unlock()

	t.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: dg.ID})
}

func (t *Transport) handleData(dg datagram) {
	t.mu.Lock()
	p, known := t.peers[dg.ID]
	linked := known && p.linked
	if linked {
		p.lastSeen = t.clk.Now()
	}
	t.mu.Unlock()

	if !linked {
		t.logger.Debug("dropped frame from unlinked peer", "peer_id", dg.ID)
		return
	}
	t.emit(mesh.TransportEvent{Kind: mesh.DataReceived, PeerID: dg.ID, Data: []byte(dg.Payload)})
}

// expireLoop drops peers whose beacons stopped arriving. Linked peers
// surface as disconnects, matching a station walking out of range.
func (t *Transport) expireLoop(stop <-chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()
	ticker := t.clk.Ticker(t.opts.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, p := range t.expirePeers(t.clk.Now()) {
				t.logger.Debug("radio peer expired", "peer_id", p.id)
				if p.linked {
					t.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: p.id})
				}
			}
		}
	}
}

// expirePeers removes every peer not heard from within PeerTTL and returns
// the removed entries.
func (t *Transport) expirePeers(now time.Time) []*peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*peer
	for id, p := range t.peers {
		if now.Sub(p.lastSeen) > t.opts.PeerTTL {
			delete(t.peers, id)
			expired = append(expired, p)
		}
	}
	return expired
}

func (t *Transport) writeDatagram(conn *net.UDPConn, addr *net.UDPAddr, dg datagram) error {
	raw, err := json.Marshal(dg)
	if err != nil {
		return fmt.Errorf("encode datagram: %w", err)
	}
	if _, err := conn.WriteToUDP(raw, addr); err != nil {
		return fmt.Errorf("write datagram to %s: %w", addr, err)
	}
	return nil
}

// emit never blocks; radio links are lossy and a full buffer behaves the
// same way.
func (t *Transport) emit(ev mesh.TransportEvent) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("radio event dropped", "event", ev.Kind.String())
	}
}

func peerInfo(addr *net.UDPAddr) map[string]any {
	if addr == nil {
		return nil
	}
	return map[string]any{"address": addr.String()}
}
