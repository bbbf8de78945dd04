package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CodeMaker46/connectx/mesh"
)

// printedEventKinds are the engine events the serve command mirrors to its
// output.
var printedEventKinds = []mesh.EventKind{
	mesh.EventInitialized,
	mesh.EventNetworkingStarted,
	mesh.EventNetworkingStopped,
	mesh.EventNetworkingError,
	mesh.EventNodeConnected,
	mesh.EventNodeDisconnected,
	mesh.EventMessageSent,
	mesh.EventMessageReceived,
	mesh.EventLocationUpdated,
	mesh.EventLocationReceived,
	mesh.EventUserInfo,
	mesh.EventMessageError,
}

// printMeshEvent renders one engine event. Each event becomes a single
// write, so lines from concurrent handlers do not tear.
func printMeshEvent(cmd *cobra.Command, ev mesh.Event, outputJSON bool) {
	out := cmd.OutOrStdout()
	if outputJSON {
		view := map[string]any{"event": string(ev.Kind)}
		if ev.Message != nil {
			view["message"] = ev.Message
		}
		if ev.Node != nil {
			view["node"] = ev.Node
		}
		if ev.Location != nil {
			view["location"] = ev.Location
		}
		if len(ev.Available) > 0 {
			view["transports"] = transportStates(ev.Available)
		}
		if ev.Err != nil {
			view["error"] = ev.Err.Error()
		}
		_ = writeJSON(out, view)
		return
	}

	switch ev.Kind {
	case mesh.EventInitialized:
		_, _ = fmt.Fprintln(out, "initialized")
	case mesh.EventNetworkingStarted:
		_, _ = fmt.Fprintf(out, "networking started: %s\n", formatAvailability(ev.Available))
	case mesh.EventNetworkingStopped:
		_, _ = fmt.Fprintln(out, "networking stopped")
	case mesh.EventNetworkingError:
		_, _ = fmt.Fprintf(out, "networking error: %v\n", ev.Err)
	case mesh.EventNodeConnected:
		_, _ = fmt.Fprintf(out, "node connected: id=%s transport=%s\n", ev.Node.ID, ev.Node.Kind)
	case mesh.EventNodeDisconnected:
		_, _ = fmt.Fprintf(out, "node disconnected: id=%s transport=%s\n", ev.Node.ID, ev.Node.Kind)
	case mesh.EventMessageSent:
		_, _ = fmt.Fprintf(out, "sent: id=%s\n", ev.Message.ID)
	case mesh.EventMessageReceived:
		_, _ = fmt.Fprintf(out, "incoming: from=%s kind=%s id=%s\ntext: %s\n", displayName(ev.Message), ev.Message.Kind, ev.Message.ID, ev.Message.Content)
	case mesh.EventLocationUpdated:
		_, _ = fmt.Fprintf(out, "location updated: lat=%.5f lon=%.5f\n", ev.Location.Latitude, ev.Location.Longitude)
	case mesh.EventLocationReceived:
		if ev.Location == nil {
			_, _ = fmt.Fprintf(out, "location: from=%s (no position)\n", displayName(ev.Message))
			return
		}
		_, _ = fmt.Fprintf(out, "location: from=%s lat=%.5f lon=%.5f\n", displayName(ev.Message), ev.Location.Latitude, ev.Location.Longitude)
	case mesh.EventUserInfo:
		_, _ = fmt.Fprintf(out, "presence: user=%s name=%s\n", ev.Message.UserID, ev.Message.Username)
	case mesh.EventMessageError:
		if ev.Message != nil {
			_, _ = fmt.Fprintf(out, "message error: id=%s err=%v\n", ev.Message.ID, ev.Err)
			return
		}
		_, _ = fmt.Fprintf(out, "message error: %v\n", ev.Err)
	default:
		_, _ = fmt.Fprintf(out, "event: %s\n", ev.Kind)
	}
}

func displayName(msg *mesh.Message) string {
	if msg == nil {
		return ""
	}
	if name := strings.TrimSpace(msg.Username); name != "" {
		return name
	}
	return msg.UserID
}

func transportStates(available map[mesh.TransportKind]bool) map[string]bool {
	out := make(map[string]bool, len(available))
	for kind, up := range available {
		out[string(kind)] = up
	}
	return out
}

func sortedTransportKinds(available map[mesh.TransportKind]bool) []mesh.TransportKind {
	kinds := make([]mesh.TransportKind, 0, len(available))
	for kind := range available {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func formatAvailability(available map[mesh.TransportKind]bool) string {
	if len(available) == 0 {
		return "no transports"
	}
	parts := make([]string, 0, len(available))
	for _, kind := range sortedTransportKinds(available) {
		parts = append(parts, fmt.Sprintf("%s=%v", kind, available[kind]))
	}
	return strings.Join(parts, " ")
}
