package memnet_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/CodeMaker46/connectx/mesh"
	"github.com/CodeMaker46/connectx/transport/memnet"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type inbox struct {
	mu   sync.Mutex
	msgs []mesh.Message
}

func (in *inbox) add(ev mesh.Event) {
	if ev.Message == nil {
		return
	}
	in.mu.Lock()
	in.msgs = append(in.msgs, *ev.Message)
	in.mu.Unlock()
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) hasFrom(userID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.msgs {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (in *inbox) first() mesh.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[0]
}

func startEngine(t *testing.T, userID, username string, transports ...mesh.Transport) *mesh.Engine {
	t.Helper()
	e, err := mesh.New(mesh.Options{Transports: transports, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New(%s) error = %v", userID, err)
	}
	t.Cleanup(e.Cleanup)
	if err := e.Initialize(userID, username, "g1"); err != nil {
		t.Fatalf("Initialize(%s) error = %v", userID, err)
	}
	if _, err := e.StartNetworking(context.Background()); err != nil {
		t.Fatalf("StartNetworking(%s) error = %v", userID, err)
	}
	return e
}

// Three engines in a line: a to b over the radio fabric, b to c over the
// local-wifi fabric. b is the only bridge, so anything a sends reaches c
// purely by relay.
func TestMessageRelaysAcrossTransports(t *testing.T) {
	t.Parallel()

	radioNet := memnet.NewNetwork(mesh.TransportRadio, discardLogger())
	wifiNet := memnet.NewNetwork(mesh.TransportLocalWifi, discardLogger())

	a := startEngine(t, "ua", "Alice", radioNet.Join("a"))
	b := startEngine(t, "ub", "Bob", radioNet.Join("b"), wifiNet.Join("b"))
	c := startEngine(t, "uc", "Cara", wifiNet.Join("c"))

	waitFor(t, func() bool { return len(a.Nodes()) == 1 }, "a linked to b")
	waitFor(t, func() bool { return len(b.Nodes()) == 2 }, "b linked to a and c")
	waitFor(t, func() bool { return len(c.Nodes()) == 1 }, "c linked to b")

	chatAtB := &inbox{}
	chatAtC := &inbox{}
	chatAtA := &inbox{}
	b.AddListener(mesh.EventMessageReceived, chatAtB.add)
	c.AddListener(mesh.EventMessageReceived, chatAtC.add)
	a.AddListener(mesh.EventMessageReceived, chatAtA.add)

	id, err := a.SendMessage("hello mesh")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, func() bool { return chatAtC.count() == 1 }, "c to receive the chat via b")
	got := chatAtC.first()
	if got.ID != id || got.Content != "hello mesh" || got.UserID != "ua" || got.Username != "Alice" {
		t.Fatalf("relayed message = %+v, want the original id/content/sender unchanged", got)
	}

	// The flood bounces back through every link, so duplicates must be
	// absorbed: one delivery each at b and c, none at the sender.
	waitFor(t, func() bool { return b.Stats().Duplicates >= 1 }, "b to absorb the echo from c")
	if chatAtB.count() != 1 {
		t.Fatalf("b delivered the chat %d times, want 1", chatAtB.count())
	}
	if chatAtA.count() != 0 {
		t.Fatalf("a delivered its own chat %d times, want 0", chatAtA.count())
	}
}

// Presence greetings carry ids and TTLs like any other message, so the
// bridge floods them onward: c learns about a without ever sharing a
// fabric with it.
func TestPresencePropagatesThroughBridge(t *testing.T) {
	t.Parallel()

	radioNet := memnet.NewNetwork(mesh.TransportRadio, discardLogger())
	wifiNet := memnet.NewNetwork(mesh.TransportLocalWifi, discardLogger())

	c := startEngine(t, "uc", "Cara", wifiNet.Join("c"))
	usersAtC := &inbox{}
	c.AddListener(mesh.EventUserInfo, usersAtC.add)

	b := startEngine(t, "ub", "Bob", radioNet.Join("b"), wifiNet.Join("b"))
	waitFor(t, func() bool { return len(c.Nodes()) == 1 }, "c linked to b")

	startEngine(t, "ua", "Alice", radioNet.Join("a"))

	waitFor(t, func() bool { return usersAtC.hasFrom("ub") }, "c to learn about b directly")
	waitFor(t, func() bool { return usersAtC.hasFrom("ua") }, "c to learn about a through the bridge")

	if len(b.Nodes()) != 2 {
		t.Fatalf("bridge tracks %d nodes, want 2", len(b.Nodes()))
	}
}

// Location updates flood the same way chat does.
func TestLocationRelaysAcrossTransports(t *testing.T) {
	t.Parallel()

	radioNet := memnet.NewNetwork(mesh.TransportRadio, discardLogger())
	wifiNet := memnet.NewNetwork(mesh.TransportLocalWifi, discardLogger())

	a := startEngine(t, "ua", "Alice", radioNet.Join("a"))
	startEngine(t, "ub", "Bob", radioNet.Join("b"), wifiNet.Join("b"))
	c := startEngine(t, "uc", "Cara", wifiNet.Join("c"))

	waitFor(t, func() bool { return len(a.Nodes()) == 1 && len(c.Nodes()) == 1 }, "line topology up")

	locAtC := &inbox{}
	c.AddListener(mesh.EventLocationReceived, locAtC.add)

	if err := a.UpdateLocation(mesh.Location{Latitude: 52.52, Longitude: 13.405}); err != nil {
		t.Fatalf("UpdateLocation() error = %v", err)
	}

	waitFor(t, func() bool { return locAtC.hasFrom("ua") }, "c to receive a's location via b")
	got := locAtC.first()
	if got.Location == nil || got.Location.Latitude != 52.52 {
		t.Fatalf("relayed location = %+v, want latitude 52.52", got.Location)
	}
}
