package metrics

import "sync"

// Event names used across the relay. Everything funnels into one counter
// registry so the Prometheus endpoint stays a single labelled metric.
const (
	RoomCreated      = "room_created"
	RoomDestroyed    = "room_destroyed"
	JoinOK           = "join_ok"
	JoinRoomNotFound = "join_room_not_found"
	JoinRoomFull     = "join_room_full"
	RelayForwarded   = "relay_forwarded"
	RelayNoRoom      = "relay_no_room"
	PeerDisconnected = "peer_disconnected"
	LivenessClose    = "liveness_close"
	DropBadMessage   = "drop_bad_message"
	DropRateLimited  = "drop_rate_limited"
	DropNonText      = "drop_non_text"
)

// Metrics is a concurrency-safe counter registry.
//
// Counters are created on first increment; reading an unknown counter returns
// zero. A nil *Metrics is valid and discards everything, so callers don't have
// to guard every Inc.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
