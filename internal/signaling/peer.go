package signaling

// Peer is one signaling connection as seen by the broker. The production
// implementation wraps a WebSocket; tests use in-memory fakes so the state
// machine can be exercised without a network.
type Peer interface {
	// ID identifies the connection in logs.
	ID() string

	// Send enqueues a frame for delivery. Best effort: it must never block
	// the broker.
	Send(data []byte)

	// Probe sends a liveness probe (a transport-level ping).
	Probe()

	// Open reports whether the transport is still open.
	Open() bool

	// Close force-closes the transport.
	Close()
}
