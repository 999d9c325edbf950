package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duocall/signaling-relay/internal/metrics"
)

const defaultSweepInterval = 30 * time.Second

// room is a pairing context for at most two connections.
type room struct {
	members []Peer

	// mute holds the last reported mute flag of each current member for the
	// lifetime of the room.
	mute map[Peer]bool

	// parkedMute carries the flag of the most recently departed member. A peer
	// joining the one-member room inherits it, so a rejoining muted caller is
	// still announced as muted to the other side.
	parkedMute *bool
}

func newRoom() *room {
	return &room{mute: make(map[Peer]bool)}
}

// remove drops p from the member set, parking its mute flag.
func (r *room) remove(p Peer) {
	for i, m := range r.members {
		if m == p {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	if muted, ok := r.mute[p]; ok {
		parked := muted
		r.parkedMute = &parked
		delete(r.mute, p)
	}
}

// Broker owns all room state: the active room registry, the valid-identifier
// set, per-connection room membership, recorded mute flags and the liveness
// flags driven by the sweep. Every mutation happens under one coarse lock;
// the state is small and handlers never suspend while holding it.
type Broker struct {
	log           *slog.Logger
	metrics       *metrics.Metrics
	sweepInterval time.Duration

	mu     sync.Mutex
	rooms  map[string]*room    // active rooms only
	valid  map[string]struct{} // provisional + active identifiers
	joined map[Peer]string     // connection -> room identifier, only while joined
	conns  map[Peer]bool       // registered connections -> liveness flag
	closed bool
}

func NewBroker(logger *slog.Logger, m *metrics.Metrics, sweepInterval time.Duration) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Broker{
		log:           logger,
		metrics:       m,
		sweepInterval: sweepInterval,
		rooms:         make(map[string]*room),
		valid:         make(map[string]struct{}),
		joined:        make(map[Peer]string),
		conns:         make(map[Peer]bool),
	}
}

// Register adds a freshly accepted connection to the liveness tracking set.
func (b *Broker) Register(p Peer) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.Close()
		return
	}
	b.conns[p] = true
	b.mu.Unlock()
	b.log.Debug("peer connected", "peer", p.ID())
}

// Unregister runs disconnect cleanup for a closed connection. It is
// idempotent; the read loop and the sweep may both report the same peer.
func (b *Broker) Unregister(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[p]; !ok {
		return
	}
	delete(b.conns, p)
	b.leaveLocked(p)
}

// MarkAlive records a liveness acknowledgment from the transport.
func (b *Broker) MarkAlive(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[p]; ok {
		b.conns[p] = true
	}
}

// RoomExists reports whether the identifier is currently valid. Pure read.
func (b *Broker) RoomExists(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.valid[roomID]
	return ok
}

// HandleMessage dispatches one inbound frame from p. Malformed frames are
// logged and dropped; the connection stays open.
func (b *Broker) HandleMessage(p Peer, data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		b.metrics.Inc(metrics.DropBadMessage)
		b.log.Warn("dropping malformed message", "peer", p.ID(), "err", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	switch env.Type {
	case KindCreateRoom:
		b.createRoomLocked(p, env.RoomID)
	case KindJoin:
		b.joinLocked(p, env.RoomID)
	case KindMuteStatus:
		b.muteStatusLocked(p, env)
	default:
		b.relayLocked(p, env)
	}
}

// createRoomLocked marks the identifier valid and joins the creator.
// Re-creating an already-valid room is a no-op beyond logging.
func (b *Broker) createRoomLocked(p Peer, roomID string) {
	// Leave any prior room before marking validity. If the creator was the
	// sole member of this same room, teardown would otherwise invalidate the
	// identifier right before the join checks it.
	b.leaveLocked(p)

	if _, ok := b.valid[roomID]; ok {
		b.log.Info("room already exists", "room", roomID, "peer", p.ID())
	} else {
		b.valid[roomID] = struct{}{}
		b.metrics.Inc(metrics.RoomCreated)
		b.log.Info("room created", "room", roomID, "peer", p.ID())
	}
	b.joinLocked(p, roomID)
}

func (b *Broker) joinLocked(p Peer, roomID string) {
	// A connection may be in at most one room; joining implicitly leaves any
	// prior one, with full disconnect cleanup for that room.
	if _, ok := b.joined[p]; ok {
		b.leaveLocked(p)
	}

	if _, ok := b.valid[roomID]; !ok {
		b.metrics.Inc(metrics.JoinRoomNotFound)
		b.log.Info("join rejected, unknown room", "room", roomID, "peer", p.ID())
		p.Send(encodeError("Room not found", true))
		return
	}

	r := b.rooms[roomID]
	if r == nil {
		r = newRoom()
		b.rooms[roomID] = r
	}

	// Drop members whose transport went away without a close event, so a room
	// vacated by a crashed peer is not falsely full.
	for _, m := range append([]Peer(nil), r.members...) {
		if !m.Open() {
			delete(b.joined, m)
			r.remove(m)
		}
	}

	if len(r.members) >= 2 {
		b.metrics.Inc(metrics.JoinRoomFull)
		b.log.Info("join rejected, room full", "room", roomID, "peer", p.ID())
		p.Send(encodeError("Room is full", false))
		return
	}

	// First into the empty room originates the offer; this is strict join
	// order so both sides never originate simultaneously.
	isInitiator := len(r.members) == 0
	r.members = append(r.members, p)
	b.joined[p] = roomID
	if r.parkedMute != nil {
		if _, ok := r.mute[p]; !ok {
			r.mute[p] = *r.parkedMute
		}
		r.parkedMute = nil
	}

	b.metrics.Inc(metrics.JoinOK)
	b.log.Info("peer joined room", "room", roomID, "peer", p.ID(), "initiator", isInitiator, "members", len(r.members))
	p.Send(encodeJoined(roomID, isInitiator))

	if len(r.members) == 2 {
		// Both sides must independently learn the room is complete.
		for _, m := range r.members {
			m.Send(encodeReady())
		}
		// Re-announce recorded mute state in both directions so a rejoining
		// muted peer is not silently treated as unmuted.
		first, second := r.members[0], r.members[1]
		if muted, ok := r.mute[first]; ok {
			second.Send(encodeMuteStatus(muted))
		}
		if muted, ok := r.mute[second]; ok {
			first.Send(encodeMuteStatus(muted))
		}
	}
}

// relayLocked forwards the original frame verbatim to the other room member.
// A sender outside any room, or a room with no other member, is a silent no-op.
func (b *Broker) relayLocked(p Peer, env Envelope) {
	roomID, ok := b.joined[p]
	if !ok {
		b.metrics.Inc(metrics.RelayNoRoom)
		b.log.Debug("dropping relay from peer outside any room", "peer", p.ID(), "kind", string(env.Type))
		return
	}
	r := b.rooms[roomID]
	if r == nil {
		return
	}

	sent := false
	for _, m := range r.members {
		if m != p {
			m.Send(env.Raw())
			sent = true
		}
	}
	if sent {
		b.metrics.Inc(metrics.RelayForwarded)
	}
}

// muteStatusLocked records the sender's latest mute flag, then relays.
func (b *Broker) muteStatusLocked(p Peer, env Envelope) {
	if roomID, ok := b.joined[p]; ok {
		if r := b.rooms[roomID]; r != nil {
			r.mute[p] = *env.IsMuted
		}
	}
	b.relayLocked(p, env)
}

// leaveLocked removes p from its room, notifies the remaining member and
// destroys the room (and its identifier) once empty.
func (b *Broker) leaveLocked(p Peer) {
	roomID, ok := b.joined[p]
	if !ok {
		return
	}
	delete(b.joined, p)

	r := b.rooms[roomID]
	if r == nil {
		return
	}
	r.remove(p)

	for _, m := range r.members {
		m.Send(encodePeerDisconnected())
	}
	b.metrics.Inc(metrics.PeerDisconnected)
	b.log.Info("peer left room", "room", roomID, "peer", p.ID(), "members", len(r.members))

	if len(r.members) == 0 {
		delete(b.rooms, roomID)
		delete(b.valid, roomID)
		b.metrics.Inc(metrics.RoomDestroyed)
		b.log.Info("room destroyed", "room", roomID)
	}
}

// Run drives the liveness sweep on a fixed interval until ctx is cancelled.
// The ticker is independent of message traffic; a burst of relayed messages
// never delays a sweep.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep closes connections that did not acknowledge the previous probe and
// probes the rest. A peer silent for two full intervals is pruned even
// without a transport close event.
func (b *Broker) sweep() {
	var dead, probe []Peer

	b.mu.Lock()
	for p, alive := range b.conns {
		if !alive {
			dead = append(dead, p)
			continue
		}
		b.conns[p] = false
		probe = append(probe, p)
	}
	for _, p := range dead {
		delete(b.conns, p)
		b.leaveLocked(p)
	}
	b.mu.Unlock()

	for _, p := range dead {
		b.metrics.Inc(metrics.LivenessClose)
		b.log.Info("closing unresponsive peer", "peer", p.ID())
		p.Close()
	}
	for _, p := range probe {
		p.Probe()
	}
}

// Close tears down all connections and clears the registries.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	peers := make([]Peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	b.conns = make(map[Peer]bool)
	b.rooms = make(map[string]*room)
	b.valid = make(map[string]struct{})
	b.joined = make(map[Peer]string)
	b.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
