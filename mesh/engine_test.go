package mesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes. Engine event
// handling and fan-out run on their own goroutines, so tests observe
// effects by polling.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle gives in-flight goroutines a moment to run before asserting that
// something did NOT happen.
func settle() {
	time.Sleep(30 * time.Millisecond)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler() Handler {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) at(i int) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

// fakeTransport implements Transport in memory and records every send so
// tests can count delivery attempts per peer and per message kind.
type fakeTransport struct {
	kind      TransportKind
	events    chan TransportEvent
	closeOnce sync.Once

	mu          sync.Mutex
	available   bool
	perms       bool
	permErr     error
	discoverErr error
	discovering bool
	closes      int
	failPeer    string
	sent        map[string][][]byte
	connected   map[string]bool
	disconnects []string
}

func newFakeTransport(kind TransportKind) *fakeTransport {
	return &fakeTransport{
		kind:      kind,
		events:    make(chan TransportEvent, 64),
		available: true,
		perms:     true,
		sent:      make(map[string][][]byte),
		connected: make(map[string]bool),
	}
}

func (f *fakeTransport) Kind() TransportKind { return f.kind }

func (f *fakeTransport) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeTransport) RequestPermissions(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms, f.permErr
}

func (f *fakeTransport) StartDiscovery(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return f.discoverErr
	}
	f.discovering = true
	return nil
}

func (f *fakeTransport) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovering = false
	return nil
}

func (f *fakeTransport) Connect(_ context.Context, peerID string) error {
	f.mu.Lock()
	f.connected[peerID] = true
	f.mu.Unlock()
	f.events <- TransportEvent{Kind: PeerConnected, PeerID: peerID}
	return nil
}

func (f *fakeTransport) Disconnect(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, peerID)
	f.disconnects = append(f.disconnects, peerID)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, peerID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPeer != "" && f.failPeer == peerID {
		return errors.New("link down")
	}
	f.sent[peerID] = append(f.sent[peerID], append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) connectPeer(id string) {
	f.events <- TransportEvent{Kind: PeerConnected, PeerID: id}
}

func (f *fakeTransport) dropPeer(id string) {
	f.events <- TransportEvent{Kind: PeerDisconnected, PeerID: id}
}

func (f *fakeTransport) deliver(id string, raw []byte) {
	f.events <- TransportEvent{Kind: DataReceived, PeerID: id, Data: raw}
}

// sentTo counts delivery attempts of one message kind to one peer.
func (f *fakeTransport) sentTo(peerID string, kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.sent[peerID] {
		msg, err := DecodeMessage(raw)
		if err == nil && msg.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sentKinds(peerID string) []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []Kind
	for _, raw := range f.sent[peerID] {
		msg, err := DecodeMessage(raw)
		if err == nil {
			kinds = append(kinds, msg.Kind)
		}
	}
	return kinds
}

func (f *fakeTransport) totalSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, payloads := range f.sent {
		n += len(payloads)
	}
	return n
}

func (f *fakeTransport) isDiscovering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovering
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func testClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	return mock
}

func newTestEngine(t *testing.T, clk clock.Clock, transports ...Transport) *Engine {
	t.Helper()
	e, err := New(Options{Transports: transports, Logger: testLogger(), Clock: clk})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Cleanup)
	return e
}

func mustInitialize(t *testing.T, e *Engine, userID, username, groupID string) {
	t.Helper()
	if err := e.Initialize(userID, username, groupID); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func mustStart(t *testing.T, e *Engine) map[TransportKind]bool {
	t.Helper()
	avail, err := e.StartNetworking(context.Background())
	if err != nil {
		t.Fatalf("StartNetworking() error = %v", err)
	}
	return avail
}

func TestNewRejectsBadTransportSets(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Transports: []Transport{nil}, Logger: testLogger()}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("New(nil transport) error = %v, want ErrInvalidParams", err)
	}
	a := newFakeTransport(TransportRadio)
	b := newFakeTransport(TransportRadio)
	if _, err := New(Options{Transports: []Transport{a, b}, Logger: testLogger()}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("New(duplicate kinds) error = %v, want ErrInvalidParams", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testClock())
	if err := e.Initialize("", "Alice", "g1"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("Initialize(empty user) error = %v, want ErrInvalidParams", err)
	}
	if err := e.Initialize("u1", "Alice", " "); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("Initialize(blank group) error = %v, want ErrInvalidParams", err)
	}
	if err := e.Initialize("u1", "", "g1"); err != nil {
		t.Fatalf("Initialize(no username) error = %v, want nil", err)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testClock(), newFakeTransport(TransportRadio))

	if _, err := e.SendMessage("hi"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("SendMessage() error = %v, want ErrNotInitialized", err)
	}
	if err := e.BroadcastMessage(Message{Kind: KindStatus}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("BroadcastMessage() error = %v, want ErrNotInitialized", err)
	}
	if err := e.UpdateLocation(Location{Latitude: 1, Longitude: 2}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("UpdateLocation() error = %v, want ErrNotInitialized", err)
	}
	if _, err := e.StartNetworking(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartNetworking() error = %v, want ErrNotInitialized", err)
	}
}

func TestSendMessageScenario(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	wifi := newFakeTransport(TransportLocalWifi)
	e := newTestEngine(t, mock, radio, wifi)

	sent := &eventRecorder{}
	received := &eventRecorder{}
	e.AddListener(EventMessageSent, sent.handler())
	e.AddListener(EventMessageReceived, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	avail := mustStart(t, e)
	if !avail[TransportRadio] || !avail[TransportLocalWifi] {
		t.Fatalf("availability = %v, want both transports up", avail)
	}

	radio.connectPeer("r-1")
	wifi.connectPeer("w-1")
	waitFor(t, func() bool { return len(e.Nodes()) == 2 }, "two nodes registered")

	id, err := e.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if !strings.HasPrefix(id, "u1-") {
		t.Fatalf("message id = %q, want a u1- prefix", id)
	}

	waitFor(t, func() bool {
		return radio.sentTo("r-1", KindChat) == 1 && wifi.sentTo("w-1", KindChat) == 1
	}, "one chat send per connected node")

	if sent.count() != 1 {
		t.Fatalf("messageSent events = %d, want 1", sent.count())
	}
	msg := sent.at(0).Message
	if msg == nil || msg.ID != id || msg.Content != "hi" || msg.TTL != DefaultMessageTTL.Milliseconds() {
		t.Fatalf("messageSent payload = %+v, want id=%s content=hi ttl=60000", msg, id)
	}

	// The sender cached its own id: an echo via any transport is a
	// duplicate until the entry expires at send time + TTL.
	raw, err := EncodeMessage(*msg)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	radio.deliver("r-1", raw)
	waitFor(t, func() bool { return e.Stats().Duplicates == 1 }, "echo counted as duplicate")
	if received.count() != 0 {
		t.Fatalf("messageReceived events = %d after echo, want 0", received.count())
	}

	mock.Add(DefaultMessageTTL - time.Second)
	radio.deliver("r-1", raw)
	waitFor(t, func() bool { return e.Stats().Duplicates == 2 }, "echo still cached just before expiry")

	mock.Add(time.Second + time.Millisecond)
	radio.deliver("r-1", raw)
	waitFor(t, func() bool { return received.count() == 1 }, "expired id delivered as new")
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	e.AddListener(EventMessageReceived, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	frame := Message{
		ID:        "m1",
		Kind:      KindChat,
		UserID:    "u2",
		Username:  "Bob",
		GroupID:   "g1",
		Content:   "yo",
		Timestamp: epochMillis(mock.Now()),
		TTL:       5000,
	}
	raw, err := EncodeMessage(frame)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	radio.deliver("peer-a", raw)
	radio.deliver("peer-a", raw)

	waitFor(t, func() bool { return e.Stats().Duplicates == 1 }, "second delivery deduplicated")
	if received.count() != 1 {
		t.Fatalf("messageReceived events = %d, want exactly 1", received.count())
	}
	// One relay back out (flood goes to every node, sender included);
	// the duplicate must not trigger a second relay.
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindChat) == 1 }, "first delivery relayed")
	settle()
	if got := radio.sentTo("peer-a", KindChat); got != 1 {
		t.Fatalf("relay sends = %d, want 1", got)
	}
	if got := e.Stats().Relayed; got != 1 {
		t.Fatalf("Stats().Relayed = %d, want 1", got)
	}
}

func TestRelayFloodsToEveryNode(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	for _, id := range []string{"a", "b", "c"} {
		radio.connectPeer(id)
	}
	waitFor(t, func() bool { return len(e.Nodes()) == 3 }, "three nodes registered")

	frame := Message{
		ID: "m-flood", Kind: KindChat, UserID: "u2", GroupID: "g1",
		Content: "fan out", Timestamp: epochMillis(mock.Now()), TTL: 60000,
	}
	raw, err := EncodeMessage(frame)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	radio.deliver("a", raw)

	// No seen-from suppression: the relay goes back to the node that
	// delivered the frame as well.
	waitFor(t, func() bool {
		return radio.sentTo("a", KindChat) == 1 &&
			radio.sentTo("b", KindChat) == 1 &&
			radio.sentTo("c", KindChat) == 1
	}, "relay reaches all three nodes")
}

func TestGroupIsolation(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	e.AddListener(EventMessageReceived, received.handler())
	e.AddListener(EventLocationReceived, received.handler())
	e.AddListener(EventUserInfo, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindPresence) == 1 }, "greeting sent")

	cachedBefore := e.CacheSize()
	frame := Message{
		ID: "foreign-1", Kind: KindChat, UserID: "u9", GroupID: "g2",
		Content: "other party", Timestamp: epochMillis(mock.Now()), TTL: 60000,
	}
	raw, err := EncodeMessage(frame)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	radio.deliver("peer-a", raw)

	waitFor(t, func() bool { return e.Stats().Dropped == 1 }, "foreign-group frame dropped")
	if received.count() != 0 {
		t.Fatalf("events for a foreign-group message = %d, want 0", received.count())
	}
	if got := e.CacheSize(); got != cachedBefore {
		t.Fatalf("CacheSize() = %d, want %d (no insertion for foreign groups)", got, cachedBefore)
	}
	settle()
	if got := radio.sentTo("peer-a", KindChat); got != 0 {
		t.Fatalf("foreign-group message was relayed %d times, want 0", got)
	}
}

func TestExpiredTTLDeliversOnceWithoutRelay(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	e.AddListener(EventMessageReceived, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	stale := Message{
		ID: "m-old", Kind: KindChat, UserID: "u2", GroupID: "g1",
		Content:   "late",
		Timestamp: epochMillis(mock.Now().Add(-10 * time.Second)),
		TTL:       5000,
	}
	raw, err := EncodeMessage(stale)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	radio.deliver("peer-a", raw)
	waitFor(t, func() bool { return received.count() == 1 }, "stale message delivered once")

	radio.deliver("peer-a", raw)
	waitFor(t, func() bool { return e.Stats().Duplicates == 1 }, "second stale delivery deduplicated")
	settle()
	if got := radio.sentTo("peer-a", KindChat); got != 0 {
		t.Fatalf("expired message relayed %d times, want 0", got)
	}
	if got := e.Stats().Relayed; got != 0 {
		t.Fatalf("Stats().Relayed = %d, want 0", got)
	}
}

func TestMessagesWithoutTimestampOrIDAreNeverRelayed(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	e.AddListener(EventMessageReceived, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	noStamp := []byte(`{"id":"m-ns","type":"message","userId":"u2","groupId":"g1","content":"x"}`)
	radio.deliver("peer-a", noStamp)
	waitFor(t, func() bool { return received.count() == 1 }, "timestampless message delivered once")

	radio.deliver("peer-a", noStamp)
	waitFor(t, func() bool { return e.Stats().Duplicates == 1 }, "timestampless message still deduplicated")

	// An id-less frame passes through every time but never touches the
	// cache and never floods.
	cachedBefore := e.CacheSize()
	noID := []byte(`{"type":"message","userId":"u2","groupId":"g1","content":"keepalive","timestamp":1700000000000,"ttl":60000}`)
	radio.deliver("peer-a", noID)
	radio.deliver("peer-a", noID)
	waitFor(t, func() bool { return received.count() == 3 }, "id-less frames delivered each time")
	if got := e.CacheSize(); got != cachedBefore {
		t.Fatalf("CacheSize() = %d, want %d (id-less frames skip the cache)", got, cachedBefore)
	}
	settle()
	if got := radio.sentTo("peer-a", KindChat); got != 0 {
		t.Fatalf("unrelayable frames were relayed %d times, want 0", got)
	}
}

func TestMalformedFramesDroppedSilently(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	errs := &eventRecorder{}
	e.AddListener(EventMessageReceived, received.handler())
	e.AddListener(EventMessageError, errs.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	radio.deliver("peer-a", []byte("{{{{not json"))
	radio.deliver("peer-a", []byte(`{"userId":"u2","groupId":"g1"}`))
	waitFor(t, func() bool { return e.Stats().Dropped == 2 }, "malformed frames dropped")

	if received.count() != 0 || errs.count() != 0 {
		t.Fatalf("malformed frames produced events: received=%d errors=%d, want 0/0",
			received.count(), errs.count())
	}
}

func TestKindDispatchRouting(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	chat := &eventRecorder{}
	loc := &eventRecorder{}
	user := &eventRecorder{}
	e.AddListener(EventMessageReceived, chat.handler())
	e.AddListener(EventLocationReceived, loc.handler())
	e.AddListener(EventUserInfo, user.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	now := epochMillis(mock.Now())
	frames := []Message{
		{ID: "k-1", Kind: KindChat, UserID: "u2", GroupID: "g1", Content: "hello", Timestamp: now, TTL: 60000},
		{ID: "k-2", Kind: KindLocation, UserID: "u2", GroupID: "g1", Location: &Location{Latitude: 1, Longitude: 2}, Timestamp: now, TTL: 60000},
		{ID: "k-3", Kind: KindPresence, UserID: "u2", Username: "Bob", GroupID: "g1", Timestamp: now, TTL: 60000},
		{ID: "k-4", Kind: KindStatus, UserID: "u2", GroupID: "g1", Content: "charging", Timestamp: now, TTL: 60000},
	}
	for _, frame := range frames {
		raw, err := EncodeMessage(frame)
		if err != nil {
			t.Fatalf("EncodeMessage(%s) error = %v", frame.Kind, err)
		}
		radio.deliver("peer-a", raw)
	}

	// Status messages ride the chat listener surface.
	waitFor(t, func() bool { return chat.count() == 2 && loc.count() == 1 && user.count() == 1 }, "kind routing")
	if got := loc.at(0).Location; got == nil || got.Latitude != 1 {
		t.Fatalf("locationReceived payload = %+v, want latitude 1", got)
	}
	if got := user.at(0).Message; got == nil || got.Username != "Bob" {
		t.Fatalf("userInfo payload = %+v, want username Bob", got)
	}
}

func TestNewNodeGreeting(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	mustInitialize(t, e, "u1", "Alice", "g1")
	if err := e.UpdateLocation(Location{Latitude: 52.52, Longitude: 13.405}); err != nil {
		t.Fatalf("UpdateLocation() error = %v", err)
	}
	mustStart(t, e)

	radio.connectPeer("newcomer")
	waitFor(t, func() bool {
		return radio.sentTo("newcomer", KindPresence) == 1 && radio.sentTo("newcomer", KindLocation) == 1
	}, "presence and location greeting")

	kinds := radio.sentKinds("newcomer")
	if len(kinds) != 2 || kinds[0] != KindPresence || kinds[1] != KindLocation {
		t.Fatalf("greeting kinds = %v, want [user location]", kinds)
	}

	// Reconnecting the same node keeps the registry entry and does not
	// greet again.
	radio.connectPeer("newcomer")
	settle()
	if got := radio.sentTo("newcomer", KindPresence); got != 1 {
		t.Fatalf("presence greetings after reconnect = %d, want 1", got)
	}
}

func TestDiscoveryTriggersConnect(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)

	radio.events <- TransportEvent{Kind: PeerDiscovered, PeerID: "found-1"}
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "discovered peer connected and registered")

	node := e.Nodes()[0]
	if node.ID != "found-1" || node.Kind != TransportRadio {
		t.Fatalf("registered node = %+v, want found-1 over radio", node)
	}
}

func TestNodeDisconnect(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	gone := &eventRecorder{}
	e.AddListener(EventNodeDisconnected, gone.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	radio.dropPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 0 }, "node removed")
	if gone.count() != 1 {
		t.Fatalf("nodeDisconnected events = %d, want 1", gone.count())
	}

	// A disconnect for an unknown node is ignored.
	radio.dropPeer("stranger")
	settle()
	if gone.count() != 1 {
		t.Fatalf("nodeDisconnected events = %d after unknown drop, want 1", gone.count())
	}
}

func TestSendFailureDoesNotAbortFanOut(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	radio.failPeer = "flaky"
	e := newTestEngine(t, mock, radio)

	errs := &eventRecorder{}
	e.AddListener(EventMessageError, errs.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("flaky")
	radio.connectPeer("solid")
	waitFor(t, func() bool { return len(e.Nodes()) == 2 }, "two nodes registered")

	if _, err := e.SendMessage("hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, func() bool { return radio.sentTo("solid", KindChat) == 1 }, "healthy node still served")
	waitFor(t, func() bool { return e.Stats().SendFailures >= 1 }, "failure recorded")
	waitFor(t, func() bool { return errs.count() >= 1 }, "messageError emitted")

	ev := errs.at(0)
	if SymbolOf(ev.Err) != ErrSendFailedSymbol {
		t.Fatalf("messageError symbol = %q, want %q", SymbolOf(ev.Err), ErrSendFailedSymbol)
	}
	if ev.Node == nil || ev.Node.ID != "flaky" {
		t.Fatalf("messageError node = %+v, want flaky", ev.Node)
	}
}

func TestBroadcastMessageCachePolicy(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindPresence) == 1 }, "greeting sent")

	cachedBefore := e.CacheSize()

	// Id-less control broadcast: sent, not remembered.
	status := Message{Kind: KindStatus, UserID: "u1", GroupID: "g1", Content: "ready",
		Timestamp: epochMillis(mock.Now()), TTL: 60000}
	if err := e.BroadcastMessage(status); err != nil {
		t.Fatalf("BroadcastMessage() error = %v", err)
	}
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindStatus) == 1 }, "status broadcast sent")
	if got := e.CacheSize(); got != cachedBefore {
		t.Fatalf("CacheSize() = %d after id-less broadcast, want %d", got, cachedBefore)
	}

	status.ID = "st-1"
	if err := e.BroadcastMessage(status); err != nil {
		t.Fatalf("BroadcastMessage() error = %v", err)
	}
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindStatus) == 2 }, "identified broadcast sent")
	if got := e.CacheSize(); got != cachedBefore+1 {
		t.Fatalf("CacheSize() = %d after identified broadcast, want %d", got, cachedBefore+1)
	}
}

func TestStartNetworkingPartialFailure(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	radio.available = false
	wifi := newFakeTransport(TransportLocalWifi)
	e := newTestEngine(t, mock, radio, wifi)

	started := &eventRecorder{}
	e.AddListener(EventNetworkingStarted, started.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	avail, err := e.StartNetworking(context.Background())
	if err != nil {
		t.Fatalf("StartNetworking() error = %v, want nil on partial failure", err)
	}
	if avail[TransportRadio] || !avail[TransportLocalWifi] {
		t.Fatalf("availability = %v, want radio down and local-wifi up", avail)
	}
	if started.count() != 1 {
		t.Fatalf("networkingStarted events = %d, want 1", started.count())
	}
	if got := started.at(0).Available; !got[TransportLocalWifi] {
		t.Fatalf("networkingStarted availability = %v, want local-wifi true", got)
	}
}

func TestStartNetworkingAllTransportsFail(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	radio.available = false
	wifi := newFakeTransport(TransportLocalWifi)
	wifi.perms = false
	e := newTestEngine(t, mock, radio, wifi)

	failed := &eventRecorder{}
	e.AddListener(EventNetworkingError, failed.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	_, err := e.StartNetworking(context.Background())
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("StartNetworking() error = %v, want ErrTransportUnavailable", err)
	}
	if failed.count() != 1 {
		t.Fatalf("networkingError events = %d, want 1", failed.count())
	}

	// A later attempt is allowed once conditions change.
	radio.mu.Lock()
	radio.available = true
	radio.mu.Unlock()
	if _, err := e.StartNetworking(context.Background()); err != nil {
		t.Fatalf("StartNetworking() retry error = %v", err)
	}
}

func TestStartNetworkingIdempotent(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	started := &eventRecorder{}
	e.AddListener(EventNetworkingStarted, started.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	first := mustStart(t, e)
	second := mustStart(t, e)

	if !first[TransportRadio] || !second[TransportRadio] {
		t.Fatalf("availability = %v / %v, want radio true in both", first, second)
	}
	if started.count() != 1 {
		t.Fatalf("networkingStarted events = %d for two calls, want 1", started.count())
	}
}

func TestStopNetworking(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	stopped := &eventRecorder{}
	e.AddListener(EventNetworkingStopped, stopped.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindPresence) == 1 }, "greeting sent")

	e.StopNetworking()

	if got := len(e.Nodes()); got != 0 {
		t.Fatalf("Nodes() = %d after stop, want 0", got)
	}
	if radio.isDiscovering() {
		t.Fatalf("transport still discovering after stop")
	}
	if stopped.count() != 1 {
		t.Fatalf("networkingStopped events = %d, want 1", stopped.count())
	}

	// No broadcast reaches the wire after stop returns.
	before := radio.totalSent()
	if _, err := e.SendMessage("into the void"); err != nil {
		t.Fatalf("SendMessage() after stop error = %v", err)
	}
	settle()
	if got := radio.totalSent(); got != before {
		t.Fatalf("sends after stop = %d, want %d", got, before)
	}

	// Stopping again is a no-op.
	e.StopNetworking()
	if stopped.count() != 1 {
		t.Fatalf("networkingStopped events = %d after double stop, want 1", stopped.count())
	}
}

func TestLocationBroadcasterCadence(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	updates := &eventRecorder{}
	e.AddListener(EventLocationUpdated, updates.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	if err := e.UpdateLocation(Location{Latitude: 52.52, Longitude: 13.405}); err != nil {
		t.Fatalf("UpdateLocation() error = %v", err)
	}
	waitFor(t, func() bool { return radio.sentTo("peer-a", KindLocation) == 1 }, "direct location broadcast")

	// Each tick of the broadcaster re-floods the last known location.
	waitFor(t, func() bool {
		mock.Add(DefaultLocationInterval)
		return radio.sentTo("peer-a", KindLocation) >= 2
	}, "periodic location rebroadcast")
	if updates.count() < 2 {
		t.Fatalf("locationUpdated events = %d, want at least 2", updates.count())
	}

	e.StopNetworking()
	settle() // let sends already in flight land before snapshotting
	sentBefore := radio.sentTo("peer-a", KindLocation)
	mock.Add(3 * DefaultLocationInterval)
	settle()
	if got := radio.sentTo("peer-a", KindLocation); got != sentBefore {
		t.Fatalf("location sends after stop = %d, want %d", got, sentBefore)
	}
}

func TestInitializeResetsSessionState(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	frame := Message{ID: "m1", Kind: KindChat, UserID: "u2", GroupID: "g1",
		Content: "hi", Timestamp: epochMillis(mock.Now()), TTL: 60000}
	raw, err := EncodeMessage(frame)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	radio.deliver("peer-a", raw)
	waitFor(t, func() bool { return e.Stats().Received == 1 }, "message processed")

	// Switching groups drops nodes, cached ids, and counters.
	mustInitialize(t, e, "u1", "Alice", "g2")
	if got := len(e.Nodes()); got != 0 {
		t.Fatalf("Nodes() = %d after re-initialize, want 0", got)
	}
	if got := e.CacheSize(); got != 0 {
		t.Fatalf("CacheSize() = %d after re-initialize, want 0", got)
	}
	if got := e.Stats(); got != (Stats{}) {
		t.Fatalf("Stats() = %+v after re-initialize, want zeroed", got)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	mock := testClock()
	radio := newFakeTransport(TransportRadio)
	e := newTestEngine(t, mock, radio)

	received := &eventRecorder{}
	cancel := e.AddListener(EventMessageReceived, received.handler())

	mustInitialize(t, e, "u1", "Alice", "g1")
	mustStart(t, e)
	radio.connectPeer("peer-a")
	waitFor(t, func() bool { return len(e.Nodes()) == 1 }, "node registered")

	e.Cleanup()
	e.Cleanup() // double teardown stays a no-op

	if got := radio.closeCount(); got != 1 {
		t.Fatalf("transport Close() calls = %d, want 1", got)
	}
	if _, err := e.SendMessage("hi"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("SendMessage() after cleanup error = %v, want ErrNotInitialized", err)
	}
	cancel() // deregistration after teardown must not panic
	if got := len(e.Nodes()); got != 0 {
		t.Fatalf("Nodes() = %d after cleanup, want 0", got)
	}
}
