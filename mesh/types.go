package mesh

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMessageTTL bounds how long a message keeps flooding across
	// hops and how long its id is retained for deduplication.
	DefaultMessageTTL = 60 * time.Second

	// DefaultLocationInterval is the cadence of the periodic location
	// rebroadcast while networking is active.
	DefaultLocationInterval = 10 * time.Second

	DefaultSweepInterval  = 30 * time.Second
	DefaultSendTimeout    = 5 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxFrameBytes  = 64 * 1024
)

// Kind tags a message on the wire. The set is closed: frames carrying any
// other tag are dropped by the decoder.
type Kind string

const (
	KindChat     Kind = "message"
	KindLocation Kind = "location"
	KindPresence Kind = "user"
	KindStatus   Kind = "status"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.TrimSpace(raw)) {
	case KindChat:
		return KindChat, nil
	case KindLocation:
		return KindLocation, nil
	case KindPresence:
		return KindPresence, nil
	case KindStatus:
		return KindStatus, nil
	default:
		return "", WrapMeshError(ErrUnknownKind, "unrecognized message type %q", raw)
	}
}

// Location is the position payload carried by location messages.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Message is the unit relayed across the mesh. Field names follow the wire
// schema shared by every transport.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Kind      Kind      `json:"type"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	GroupID   string    `json:"groupId"`
	Content   string    `json:"content,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	TTL       int64     `json:"ttl,omitempty"`
}

// Node is a peer currently reachable over one transport. The same physical
// device reachable over two transports appears as two nodes.
type Node struct {
	ID          string         `json:"node_id"`
	Kind        TransportKind  `json:"transport"`
	Info        map[string]any `json:"info,omitempty"`
	ConnectedAt time.Time      `json:"connected_at"`
}

// Stats counts engine activity since the last Initialize.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Relayed      uint64 `json:"relayed"`
	Duplicates   uint64 `json:"duplicates"`
	Dropped      uint64 `json:"dropped"`
	SendFailures uint64 `json:"send_failures"`
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (m Message) describe() string {
	return fmt.Sprintf("%s id=%s user=%s group=%s", m.Kind, m.ID, m.UserID, m.GroupID)
}
