// Package mesh implements a group-scoped flood relay over heterogeneous
// short-range transports.
//
// Design notes:
//   - Every message floods to every connected node while its TTL lasts.
//     Nodes never track who they heard a message from; the id cache is
//     what bounds delivery to once per node.
//   - All engine state (identity, node registry, message cache) mutates
//     under one mutex. Concurrency lives at the edges: one consumer
//     goroutine per transport preserves per-node arrival order, and
//     fan-out sends run concurrently outside the lock.
//   - Transports are interchangeable. The relay algorithm never branches
//     on transport kind.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	// Transports the engine drives. At most one per TransportKind.
	Transports []Transport

	Logger *slog.Logger

	// Clock is swappable for tests.
	Clock clock.Clock

	MessageTTL       time.Duration
	LocationInterval time.Duration
	SweepInterval    time.Duration
	SendTimeout      time.Duration
	ConnectTimeout   time.Duration
}

func normalizeOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.LocationInterval <= 0 {
		opts.LocationInterval = DefaultLocationInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return opts
}

type identity struct {
	userID   string
	username string
	groupID  string
}

// Engine orchestrates discovery, relay, and event dispatch for one mesh
// session. Construct with New, then Initialize before sending.
type Engine struct {
	opts       Options
	logger     *slog.Logger
	clk        clock.Clock
	transports map[TransportKind]Transport

	bus      *listenerBus
	registry *nodeRegistry
	cache    *messageCache

	mu         sync.Mutex
	ident      identity
	location   *Location
	networking bool
	closed     bool
	available  map[TransportKind]bool
	stopLoops  chan struct{}
	loops      *sync.WaitGroup
	stats      Stats
}

// New builds an Engine from opts. It fails on a nil transport or two
// transports sharing a kind.
func New(opts Options) (*Engine, error) {
	opts = normalizeOptions(opts)
	transports := make(map[TransportKind]Transport, len(opts.Transports))
	for _, tr := range opts.Transports {
		if tr == nil {
			return nil, WrapMeshError(ErrInvalidParams, "transport must not be nil")
		}
		kind := tr.Kind()
		if _, dup := transports[kind]; dup {
			return nil, WrapMeshError(ErrInvalidParams, "duplicate transport kind %q", kind)
		}
		transports[kind] = tr
	}
	return &Engine{
		opts:       opts,
		logger:     opts.Logger,
		clk:        opts.Clock,
		transports: transports,
		bus:        newListenerBus(opts.Logger),
		registry:   newNodeRegistry(),
		cache:      newMessageCache(),
	}, nil
}

// Initialize sets the session identity and resets per-session state. Safe
// to call repeatedly; switching groups drops all known nodes and cached
// message ids.
func (e *Engine) Initialize(userID, username, groupID string) error {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	groupID = strings.TrimSpace(groupID)
	if userID == "" || groupID == "" {
		return WrapMeshError(ErrInvalidParams, "user id and group id are required")
	}

	e.mu.Lock()
	e.ident = identity{userID: userID, username: username, groupID: groupID}
	e.closed = false
	e.stats = Stats{}
	e.mu.Unlock()

	e.registry.clear()
	e.cache.clear()

	e.logger.Info("engine initialized", "user_id", userID, "group_id", groupID)
	e.bus.emit(Event{Kind: EventInitialized})
	return nil
}

// AddListener subscribes fn to events of the given kind and returns the
// deregistration handle. The handle stays safe to call after Cleanup.
func (e *Engine) AddListener(kind EventKind, fn Handler) func() {
	return e.bus.subscribe(kind, fn)
}

// StartNetworking begins discovery on every usable transport and reports
// per-transport availability. Partial failure is tolerated; the error is
// non-nil only when no transport could start.
func (e *Engine) StartNetworking(ctx context.Context) (map[TransportKind]bool, error) {
	e.mu.Lock()
	if e.ident.userID == "" {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if e.networking {
		avail := copyAvailability(e.available)
		e.mu.Unlock()
		return avail, nil
	}
	e.networking = true
	stop := make(chan struct{})
	loops := &sync.WaitGroup{}
	e.stopLoops = stop
	e.loops = loops
	e.mu.Unlock()

	available := make(map[TransportKind]bool, len(e.transports))
	var lastErr error
	for kind, tr := range e.transports {
		err := e.startTransport(ctx, tr)
		available[kind] = err == nil
		if err != nil {
			lastErr = err
			e.logger.Warn("transport failed to start", "transport", kind, "err", err)
			continue
		}
		loops.Add(1)
		go e.consumeEvents(tr, stop, loops)
	}

	started := false
	for _, ok := range available {
		if ok {
			started = true
			break
		}
	}
	if !started {
		e.mu.Lock()
		e.networking = false
		e.stopLoops = nil
		e.loops = nil
		e.mu.Unlock()
		close(stop)
		err := WrapMeshError(ErrTransportUnavailable, "no transport could start networking")
		if lastErr != nil {
			err = WrapMeshError(ErrTransportUnavailable, "no transport could start networking: %v", lastErr)
		}
		e.bus.emit(Event{Kind: EventNetworkingError, Available: copyAvailability(available), Err: err})
		return available, err
	}

	e.mu.Lock()
	e.available = copyAvailability(available)
	e.mu.Unlock()

	loops.Add(2)
	go e.locationLoop(stop, loops)
	go e.sweepLoop(stop, loops)

	e.logger.Info("networking started", "available", available)
	e.bus.emit(Event{Kind: EventNetworkingStarted, Available: copyAvailability(available)})
	return available, nil
}

// startTransport runs one adapter through its availability, permission, and
// discovery steps.
func (e *Engine) startTransport(ctx context.Context, tr Transport) error {
	kind := tr.Kind()
	if !tr.Available() {
		return WrapMeshError(ErrTransportUnavailable, "transport %q is unavailable", kind)
	}
	granted, err := tr.RequestPermissions(ctx)
	if err != nil {
		return WrapMeshError(ErrPermissionDenied, "transport %q permission request: %v", kind, err)
	}
	if !granted {
		return WrapMeshError(ErrPermissionDenied, "transport %q permission denied", kind)
	}
	if err := tr.StartDiscovery(ctx); err != nil {
		return WrapMeshError(ErrTransportUnavailable, "transport %q discovery: %v", kind, err)
	}
	return nil
}

// StopNetworking halts discovery, drops every node, and stops the periodic
// loops. It returns once the loops have exited, so no broadcast starts
// after it returns. Calling it while networking is stopped is a no-op.
func (e *Engine) StopNetworking() {
	e.mu.Lock()
	if !e.networking {
		e.mu.Unlock()
		return
	}
	e.networking = false
	nodes := e.registry.all()
	e.registry.clear()
	stop := e.stopLoops
	loops := e.loops
	avail := e.available
	e.stopLoops = nil
	e.loops = nil
	e.available = nil
	e.mu.Unlock()

	close(stop)
	loops.Wait()

	for kind, tr := range e.transports {
		if !avail[kind] {
			continue
		}
		if err := tr.StopDiscovery(); err != nil {
			e.logger.Warn("stop discovery failed", "transport", kind, "err", err)
		}
	}
	for _, node := range nodes {
		tr := e.transports[node.Kind]
		if tr == nil {
			continue
		}
		if err := tr.Disconnect(node.ID); err != nil {
			e.logger.Debug("disconnect failed", "transport", node.Kind, "node_id", node.ID, "err", err)
		}
	}

	e.logger.Info("networking stopped", "dropped_nodes", len(nodes))
	e.bus.emit(Event{Kind: EventNetworkingStopped})
}

// SendMessage builds a chat message from content, floods it, and returns
// the new message id.
func (e *Engine) SendMessage(content string) (string, error) {
	e.mu.Lock()
	ident := e.ident
	if ident.userID == "" {
		e.mu.Unlock()
		return "", ErrNotInitialized
	}
	now := e.clk.Now()
	msg := Message{
		ID:        newMessageID(ident.userID, now),
		Kind:      KindChat,
		UserID:    ident.userID,
		Username:  ident.username,
		GroupID:   ident.groupID,
		Content:   content,
		Timestamp: epochMillis(now),
		TTL:       e.opts.MessageTTL.Milliseconds(),
	}
	e.cache.put(msg.ID, msg, now.Add(e.opts.MessageTTL))
	e.stats.Sent++
	e.mu.Unlock()

	e.fanOut(msg)
	e.bus.emit(Event{Kind: EventMessageSent, Message: &msg})
	return msg.ID, nil
}

// BroadcastMessage floods msg to every known node as-is. Messages carrying
// an id are remembered so their flood echo is not re-delivered locally;
// id-less messages are sent without dedup bookkeeping.
func (e *Engine) BroadcastMessage(msg Message) error {
	e.mu.Lock()
	if e.ident.userID == "" {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if msg.ID != "" {
		now := e.clk.Now()
		if !e.cache.has(msg.ID, now) {
			e.cache.put(msg.ID, msg, now.Add(e.messageTTL(msg)))
		}
	}
	e.stats.Sent++
	e.mu.Unlock()

	e.fanOut(msg)
	return nil
}

// UpdateLocation records loc as the last known position and floods it as a
// location message. The Location Broadcaster re-invokes this on its own
// cadence while networking is active.
func (e *Engine) UpdateLocation(loc Location) error {
	e.mu.Lock()
	ident := e.ident
	if ident.userID == "" {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	e.location = &loc
	now := e.clk.Now()
	msg := newLocationMessage(ident, loc, now, e.opts.MessageTTL)
	e.cache.put(msg.ID, msg, now.Add(e.opts.MessageTTL))
	e.stats.Sent++
	e.mu.Unlock()

	e.fanOut(msg)
	e.bus.emit(Event{Kind: EventLocationUpdated, Location: &loc, Message: &msg})
	return nil
}

// Cleanup tears the engine down: stops networking, closes every transport,
// clears identity and cached state, and drops all listener subscriptions.
// Calling it twice is a no-op. A cleaned engine may be re-Initialized, but
// its transports stay closed.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.StopNetworking()
	for kind, tr := range e.transports {
		if err := tr.Close(); err != nil {
			e.logger.Warn("transport close failed", "transport", kind, "err", err)
		}
	}

	e.mu.Lock()
	e.ident = identity{}
	e.location = nil
	e.mu.Unlock()
	e.registry.clear()
	e.cache.clear()
	e.bus.clear()
	e.logger.Info("engine cleaned up")
}

// Nodes returns a snapshot of every currently connected node.
func (e *Engine) Nodes() []Node {
	return e.registry.all()
}

// Stats returns a copy of the counters since the last Initialize.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// CacheSize reports how many message ids are currently remembered.
func (e *Engine) CacheSize() int {
	return e.cache.len()
}

// consumeEvents drains one adapter's event stream. One goroutine per
// adapter keeps per-node, per-transport arrival order intact.
func (e *Engine) consumeEvents(tr Transport, stop <-chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()
	kind := tr.Kind()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-tr.Events():
			if !ok {
				return
			}
			e.handleTransportEvent(kind, ev)
		}
	}
}

func (e *Engine) handleTransportEvent(kind TransportKind, ev TransportEvent) {
	switch ev.Kind {
	case PeerDiscovered:
		e.onPeerDiscovered(kind, ev.PeerID)
	case PeerConnected:
		e.onNodeConnected(kind, ev.PeerID, ev.Info)
	case PeerDisconnected:
		e.onNodeDisconnected(kind, ev.PeerID)
	case DataReceived:
		e.handleIncoming(kind, ev.PeerID, ev.Data)
	case StateChanged:
		e.logger.Debug("transport state changed", "transport", kind, "state", ev.State, "err", ev.Err)
	}
}

// onPeerDiscovered dials the peer off the event path so a slow connect
// never stalls the adapter's stream.
func (e *Engine) onPeerDiscovered(kind TransportKind, peerID string) {
	tr := e.transports[kind]
	if tr == nil || peerID == "" {
		return
	}
	if _, known := e.registry.get(kind, peerID); known {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ConnectTimeout)
		defer cancel()
		if err := tr.Connect(ctx, peerID); err != nil {
			e.logger.Debug("connect failed", "transport", kind, "node_id", peerID, "err", err)
		}
	}()
}

// onNodeConnected registers the node and greets it directly with the local
// presence and, when known, the last location. The greeting is unicast so
// a fresh peer learns who we are without waiting for the next periodic
// flood.
func (e *Engine) onNodeConnected(kind TransportKind, nodeID string, info map[string]any) {
	e.mu.Lock()
	if !e.networking {
		e.mu.Unlock()
		return
	}
	ident := e.ident
	loc := e.location
	now := e.clk.Now()
	node := Node{ID: nodeID, Kind: kind, Info: info, ConnectedAt: now}
	fresh := e.registry.upsert(node)

	var greetings []Message
	if fresh && ident.userID != "" {
		presence := newPresenceMessage(ident, now, e.opts.MessageTTL)
		e.cache.put(presence.ID, presence, now.Add(e.opts.MessageTTL))
		greetings = append(greetings, presence)
		if loc != nil {
			locMsg := newLocationMessage(ident, *loc, now, e.opts.MessageTTL)
			e.cache.put(locMsg.ID, locMsg, now.Add(e.opts.MessageTTL))
			greetings = append(greetings, locMsg)
		}
	}
	e.mu.Unlock()

	e.logger.Info("node connected", "transport", kind, "node_id", nodeID)
	e.bus.emit(Event{Kind: EventNodeConnected, Node: &node})

	if len(greetings) > 0 {
		go func() {
			for _, msg := range greetings {
				raw, err := EncodeMessage(msg)
				if err != nil {
					continue
				}
				e.sendToNode(node, raw, msg.ID)
			}
		}()
	}
}

func (e *Engine) onNodeDisconnected(kind TransportKind, nodeID string) {
	node, ok := e.registry.remove(kind, nodeID)
	if !ok {
		return
	}
	e.logger.Info("node disconnected", "transport", kind, "node_id", nodeID)
	e.bus.emit(Event{Kind: EventNodeDisconnected, Node: &node})
}

// handleIncoming runs the relay algorithm on one inbound frame: decode,
// scope to the active group, dedup by id, dispatch to listeners, then
// re-flood unchanged while the TTL holds.
func (e *Engine) handleIncoming(kind TransportKind, nodeID string, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		e.logger.Debug("dropped undecodable frame", "transport", kind, "node_id", nodeID, "err", err)
		return
	}

	e.mu.Lock()
	ident := e.ident
	if ident.userID == "" || ident.groupID == "" {
		e.stats.Dropped++
		e.mu.Unlock()
		return
	}
	if msg.GroupID != ident.groupID {
		e.stats.Dropped++
		e.mu.Unlock()
		e.logger.Debug("dropped foreign-group message", "transport", kind, "node_id", nodeID, "group_id", msg.GroupID)
		return
	}
	now := e.clk.Now()
	if msg.ID != "" {
		if e.cache.has(msg.ID, now) {
			e.stats.Duplicates++
			e.mu.Unlock()
			return
		}
		e.cache.put(msg.ID, msg, now.Add(e.messageTTL(msg)))
	}
	e.stats.Received++
	relay := msg.ID != "" && msg.Timestamp > 0 && msg.TTL > 0 &&
		now.Sub(timeFromMillis(msg.Timestamp)) < time.Duration(msg.TTL)*time.Millisecond
	if relay {
		e.stats.Relayed++
	}
	e.mu.Unlock()

	switch msg.Kind {
	case KindLocation:
		e.bus.emit(Event{Kind: EventLocationReceived, Message: &msg, Location: msg.Location})
	case KindPresence:
		e.bus.emit(Event{Kind: EventUserInfo, Message: &msg})
	default:
		e.bus.emit(Event{Kind: EventMessageReceived, Message: &msg})
	}

	if relay {
		e.logger.Debug("relaying", "message", msg.describe(), "from", nodeID)
		e.fanOut(msg)
	}
}

// fanOut sends msg to every registered node concurrently and returns the
// number of attempts. Individual failures surface as messageError events
// and never stop the remaining sends.
func (e *Engine) fanOut(msg Message) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	e.mu.Unlock()

	raw, err := EncodeMessage(msg)
	if err != nil {
		e.logger.Warn("message not encodable", "err", err)
		e.bus.emit(Event{Kind: EventMessageError, Message: &msg, Err: err})
		return 0
	}
	nodes := e.registry.all()
	for _, node := range nodes {
		node := node
		go e.sendToNode(node, raw, msg.ID)
	}
	return len(nodes)
}

func (e *Engine) sendToNode(node Node, raw []byte, msgID string) {
	tr := e.transports[node.Kind]
	if tr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
	defer cancel()
	if err := tr.Send(ctx, node.ID, raw); err != nil {
		e.mu.Lock()
		e.stats.SendFailures++
		e.mu.Unlock()
		e.logger.Warn("send failed", "transport", node.Kind, "node_id", node.ID, "err", err)
		e.bus.emit(Event{
			Kind: EventMessageError,
			Node: &node,
			Err:  WrapMeshError(ErrSendFailed, "send %s to %s/%s: %v", msgID, node.Kind, node.ID, err),
		})
	}
}

// locationLoop re-floods the last known location on a fixed cadence while
// networking is active.
func (e *Engine) locationLoop(stop <-chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()
	ticker := e.clk.Ticker(e.opts.LocationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			loc := e.location
			active := e.networking && e.ident.userID != ""
			e.mu.Unlock()
			if active && loc != nil {
				if err := e.UpdateLocation(*loc); err != nil {
					e.logger.Debug("periodic location broadcast failed", "err", err)
				}
			}
		}
	}
}

// sweepLoop evicts expired cache entries in bulk. Dedup stays correct
// without it; the sweep only bounds memory.
func (e *Engine) sweepLoop(stop <-chan struct{}, loops *sync.WaitGroup) {
	defer loops.Done()
	ticker := e.clk.Ticker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if dropped := e.cache.sweep(e.clk.Now()); dropped > 0 {
				e.logger.Debug("cache sweep", "dropped", dropped)
			}
		}
	}
}

func (e *Engine) messageTTL(msg Message) time.Duration {
	if msg.TTL > 0 {
		return time.Duration(msg.TTL) * time.Millisecond
	}
	return e.opts.MessageTTL
}

func newMessageID(userID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%d-%s", userID, epochMillis(now), suffix[:8])
}

func newPresenceMessage(ident identity, now time.Time, ttl time.Duration) Message {
	return Message{
		ID:        newMessageID(ident.userID, now),
		Kind:      KindPresence,
		UserID:    ident.userID,
		Username:  ident.username,
		GroupID:   ident.groupID,
		Timestamp: epochMillis(now),
		TTL:       ttl.Milliseconds(),
	}
}

func newLocationMessage(ident identity, loc Location, now time.Time, ttl time.Duration) Message {
	return Message{
		ID:        newMessageID(ident.userID, now),
		Kind:      KindLocation,
		UserID:    ident.userID,
		Username:  ident.username,
		GroupID:   ident.groupID,
		Location:  &loc,
		Timestamp: epochMillis(now),
		TTL:       ttl.Milliseconds(),
	}
}

func copyAvailability(src map[TransportKind]bool) map[TransportKind]bool {
	if src == nil {
		return nil
	}
	out := make(map[TransportKind]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
