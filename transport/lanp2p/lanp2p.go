// Package lanp2p implements the local-wifi transport on libp2p: stations
// on the same network segment find each other over mDNS, links are libp2p
// connections, and every frame travels as one short-lived stream that the
// receiver drains to EOF.
package lanp2p

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/CodeMaker46/connectx/mesh"
)

const (
	// ServiceTag names the mesh on the local network. Only hosts
	// advertising the same tag are discovered.
	ServiceTag = "connectx-mesh"

	// ProtocolID is the libp2p protocol frames are exchanged on.
	ProtocolID = "/connectx/mesh/1.0.0"

	DefaultFrameTimeout  = 10 * time.Second
	DefaultMaxFrameBytes = mesh.DefaultMaxFrameBytes

	eventBuffer = 256
)

// Options configures a Transport. Zero values fall back to defaults.
type Options struct {
	// ListenAddrs are the multiaddrs the host listens on. Defaults to
	// ephemeral QUIC and TCP ports on all interfaces.
	ListenAddrs []string

	// Identity pins the host key. A fresh key is generated when nil,
	// giving the station a new peer id on every run.
	Identity ic.PrivKey

	// FrameTimeout bounds a single frame exchange on a stream.
	FrameTimeout time.Duration

	MaxFrameBytes int

	Logger *slog.Logger
}

func normalizeOptions(opts Options) Options {
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = defaultListenAddrs()
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func defaultListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/udp/0/quic-v1",
		"/ip4/0.0.0.0/tcp/0",
	}
}

// Transport is one local-wifi station. It implements mesh.Transport.
//
// Lifecycle: the libp2p host is created on first use and lives until
// Close. StartDiscovery runs an mDNS service on top of it; StopDiscovery
// shuts the service down while existing links keep flowing.
type Transport struct {
	opts   Options
	logger *slog.Logger
	events chan mesh.TransportEvent

	emitMu sync.Mutex
	closed bool

	mu          sync.Mutex
	host        host.Host
	notifier    *network.NotifyBundle
	disc        mdns.Service
	discovering bool
	known       map[peer.ID]peer.AddrInfo
}

var _ mesh.Transport = (*Transport)(nil)

// New builds a station. The libp2p host is not created until discovery
// or a dial first needs it.
func New(opts Options) (*Transport, error) {
	opts = normalizeOptions(opts)
	for _, addr := range opts.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", addr, err)
		}
	}
	return &Transport{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan mesh.TransportEvent, eventBuffer),
		known:  make(map[peer.ID]peer.AddrInfo),
	}, nil
}

// PeerID returns the host's peer id, or "" before the host exists.
func (t *Transport) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

// AddrStrings returns the host's listen addresses with the /p2p/ suffix
// appended, ready to hand to another station.
func (t *Transport) AddrStrings() []string {
	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	suffix, err := ma.NewMultiaddr("/p2p/" + h.ID().String())
	if err != nil {
		return nil
	}
	addrs := h.Addrs()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Encapsulate(suffix).String())
	}
	sort.Strings(out)
	return out
}

func (t *Transport) Kind() mesh.TransportKind { return mesh.TransportLocalWifi }

// Available reports whether the host has a usable multicast interface;
// mDNS needs one to announce at all.
func (t *Transport) Available() bool {
	if t.isClosed() {
		return false
	}
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

// RequestPermissions always grants: opening sockets and mDNS need no
// OS-level consent prompt.
func (t *Transport) RequestPermissions(context.Context) (bool, error) {
	return true, nil
}

// StartDiscovery brings the host up and starts announcing it over mDNS.
func (t *Transport) StartDiscovery(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discovering {
		return nil
	}

	h, err := t.ensureHostLocked()
	if err != nil {
		return err
	}
	disc := mdns.NewMdnsService(h, ServiceTag, &discoveryNotifee{t: t})
	if err := disc.Start(); err != nil {
		return fmt.Errorf("start mdns discovery: %w", err)
	}
	t.disc = disc
	t.discovering = true

	t.logger.Info("lan discovery started",
		"peer_id", h.ID().String(), "service", ServiceTag)
	t.emit(mesh.TransportEvent{Kind: mesh.StateChanged, State: "discovering"})
	return nil
}

// ensureHostLocked builds the libp2p host and wires its stream handler
// and connection callbacks. Caller holds t.mu. The host lives until
// Close.
func (t *Transport) ensureHostLocked() (host.Host, error) {
	if t.isClosed() {
		return nil, mesh.WrapMeshError(mesh.ErrTransportUnavailable, "lan transport is closed")
	}
	if t.host != nil {
		return t.host, nil
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrStrings(t.opts.ListenAddrs...)}
	if t.opts.Identity != nil {
		hostOpts = append(hostOpts, libp2p.Identity(t.opts.Identity))
	} else {
		hostOpts = append(hostOpts, libp2p.RandomIdentity)
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	h.SetStreamHandler(protocol.ID(ProtocolID), t.handleFrame)
	t.notifier = &network.NotifyBundle{
		ConnectedF:    t.onPeerConnected,
		DisconnectedF: t.onPeerDisconnected,
	}
	h.Network().Notify(t.notifier)
	t.host = h

	t.logger.Info("libp2p host ready", "peer_id", h.ID().String())
	return h, nil
}

// StopDiscovery shuts the mDNS service down and forgets announced peers,
// so a later restart rediscovers them. Existing links stay usable until
// Close or the far end hanging up.
func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	if !t.discovering {
		t.mu.Unlock()
		return nil
	}
	t.discovering = false
	disc := t.disc
	t.disc = nil
	t.known = make(map[peer.ID]peer.AddrInfo)
	t.mu.Unlock()

	if err := disc.Close(); err != nil {
		t.logger.Debug("close mdns service", "err", err)
	}
	t.logger.Info("lan discovery stopped")
	t.emit(mesh.TransportEvent{Kind: mesh.StateChanged, State: "idle"})
	return nil
}

// Connect dials a peer learned from mDNS. The connection callback reports
// the resulting link, so a PeerConnected event follows on success.
func (t *Transport) Connect(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrInvalidParams, "invalid lan peer id %q: %v", peerID, err)
	}

	t.mu.Lock()
	info, ok := t.known[pid]
	if !ok {
		t.mu.Unlock()
		return mesh.WrapMeshError(mesh.ErrSendFailed, "lan peer %q is unknown", peerID)
	}
	h, herr := t.ensureHostLocked()
	t.mu.Unlock()
	if herr != nil {
		return herr
	}

	if err := h.Connect(ctx, info); err != nil {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "dial lan peer %s: %v", peerID, err)
	}
	return nil
}

// ConnectAddr dials a full multiaddr (".../p2p/<id>") directly, for
// stations mDNS cannot see.
func (t *Transport) ConnectAddr(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrInvalidParams, "invalid multiaddr %q: %v", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrInvalidParams, "multiaddr %q has no peer id: %v", addr, err)
	}

	t.mu.Lock()
	h, herr := t.ensureHostLocked()
	if herr == nil {
		t.known[info.ID] = *info
	}
	t.mu.Unlock()
	if herr != nil {
		return herr
	}

	if err := h.Connect(ctx, *info); err != nil {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "dial %s: %v", addr, err)
	}
	return nil
}

// Disconnect closes every connection to the peer. The connection callback
// reports the teardown.
func (t *Transport) Disconnect(peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrInvalidParams, "invalid lan peer id %q: %v", peerID, err)
	}
	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Network().ClosePeer(pid)
}

// Send opens one stream, writes the frame, and closes its write end. The
// far side reads to EOF; no acknowledgement travels back.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > t.opts.MaxFrameBytes {
		return mesh.WrapMeshError(mesh.ErrSendFailed,
			"frame of %d bytes exceeds the %d byte lan limit", len(payload), t.opts.MaxFrameBytes)
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrInvalidParams, "invalid lan peer id %q: %v", peerID, err)
	}

	t.mu.Lock()
	h := t.host
	t.mu.Unlock()
	if h == nil {
		return mesh.WrapMeshError(mesh.ErrTransportUnavailable, "lan transport has no host")
	}

	stream, err := h.NewStream(ctx, pid, protocol.ID(ProtocolID))
	if err != nil {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "open stream to %s: %v", peerID, err)
	}
	defer stream.Close()
	_ = stream.SetDeadline(deadlineFor(ctx, t.opts.FrameTimeout))

	if _, err := stream.Write(payload); err != nil {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "write frame to %s: %v", peerID, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return mesh.WrapMeshError(mesh.ErrSendFailed, "finish frame to %s: %v", peerID, err)
	}
	return nil
}

func (t *Transport) Events() <-chan mesh.TransportEvent { return t.events }

// Close shuts the station down: discovery stopped, host closed with all
// its links, event channel closed. Safe to call twice.
func (t *Transport) Close() error {
	_ = t.StopDiscovery()

	t.mu.Lock()
	h := t.host
	t.host = nil
	notifier := t.notifier
	t.notifier = nil
	t.known = make(map[peer.ID]peer.AddrInfo)
	t.mu.Unlock()

	if h != nil {
		if notifier != nil {
			h.Network().StopNotify(notifier)
		}
		if err := h.Close(); err != nil {
			t.logger.Debug("close libp2p host", "err", err)
		}
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// handleFrame consumes one inbound frame stream.
func (t *Transport) handleFrame(stream network.Stream) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().UTC().Add(t.opts.FrameTimeout))

	remote := stream.Conn().RemotePeer().String()
	raw, tooLarge, err := readAllLimited(stream, t.opts.MaxFrameBytes)
	if err != nil {
		t.logger.Debug("read lan frame failed", "peer_id", remote, "err", err)
		return
	}
	if tooLarge {
		t.logger.Warn("dropped oversized lan frame", "peer_id", remote, "limit", t.opts.MaxFrameBytes)
		_ = stream.Reset()
		return
	}
	if len(raw) == 0 {
		return
	}
	t.emit(mesh.TransportEvent{Kind: mesh.DataReceived, PeerID: remote, Data: raw})
}

// discoveryNotifee feeds mDNS results back into the transport.
type discoveryNotifee struct {
	t *Transport
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.t.onPeerFound(pi)
}

// onPeerFound records a station announced over mDNS. Re-announcements
// refresh the dial addresses without raising another event.
func (t *Transport) onPeerFound(pi peer.AddrInfo) {
	if len(pi.Addrs) == 0 {
		return
	}
	t.mu.Lock()
	if !t.discovering || (t.host != nil && pi.ID == t.host.ID()) {
		t.mu.Unlock()
		return
	}
	_, seen := t.known[pi.ID]
	t.known[pi.ID] = pi
	t.mu.Unlock()
	if seen {
		return
	}

	t.logger.Debug("lan peer discovered", "peer_id", pi.ID.String())
	t.emit(mesh.TransportEvent{Kind: mesh.PeerDiscovered, PeerID: pi.ID.String(), Info: addrInfoMap(pi)})
}

// onPeerConnected fires once per connection; the engine dedupes repeats
// against its node registry.
func (t *Transport) onPeerConnected(_ network.Network, conn network.Conn) {
	t.emit(mesh.TransportEvent{
		Kind:   mesh.PeerConnected,
		PeerID: conn.RemotePeer().String(),
		Info:   map[string]any{"address": conn.RemoteMultiaddr().String()},
	})
}

// onPeerDisconnected reports a peer only once its last connection is
// gone. The peer also leaves the discovery table so a later announcement
// rediscovers it.
func (t *Transport) onPeerDisconnected(nw network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	if nw.Connectedness(pid) == network.Connected {
		return
	}
	t.mu.Lock()
	delete(t.known, pid)
	t.mu.Unlock()

	t.emit(mesh.TransportEvent{Kind: mesh.PeerDisconnected, PeerID: pid.String()})
}

func readAllLimited(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	limited := io.LimitReader(reader, int64(maxBytes)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > maxBytes {
		return data, true, nil
	}
	return data, false, nil
}

func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().UTC().Add(fallback)
}

// emit never blocks; a full buffer drops the event the way a saturated
// link would.
func (t *Transport) emit(ev mesh.TransportEvent) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("lan event dropped", "event", ev.Kind.String())
	}
}

func (t *Transport) isClosed() bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	return t.closed
}

func addrInfoMap(pi peer.AddrInfo) map[string]any {
	if len(pi.Addrs) == 0 {
		return nil
	}
	addrs := make([]string, 0, len(pi.Addrs))
	for _, addr := range pi.Addrs {
		addrs = append(addrs, addr.String())
	}
	sort.Strings(addrs)
	return map[string]any{"addresses": addrs}
}
