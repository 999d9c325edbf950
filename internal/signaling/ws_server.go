package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duocall/signaling-relay/internal/metrics"
	"github.com/duocall/signaling-relay/internal/ratelimit"
)

const (
	wsWriteWait   = 10 * time.Second
	sendQueueSize = 32
)

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := newWSPeer(conn, s.log)
	go peer.writePump()
	s.broker.Register(peer)
	s.readLoop(peer)
}

// readLoop owns all reads on the connection and feeds the broker. It returns
// when the transport closes, which triggers disconnect cleanup.
func (s *Server) readLoop(p *wsPeer) {
	defer func() {
		s.broker.Unregister(p)
		p.Close()
	}()

	p.conn.SetReadLimit(s.maxMessageBytes)
	p.conn.SetPongHandler(func(string) error {
		s.broker.MarkAlive(p)
		return nil
	})

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.messagesPerSecond),
		int64(s.messagesPerSecond),
	)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Debug("websocket read error", "peer", p.ID(), "err", err)
			}
			return
		}

		// Any inbound traffic proves the peer is alive, not only pong frames.
		s.broker.MarkAlive(p)

		// Protocol errors are never fatal to the connection: drop and move on.
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropRateLimited)
			s.log.Warn("dropping message, rate limit exceeded", "peer", p.ID())
			continue
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropNonText)
			s.log.Warn("dropping non-text frame", "peer", p.ID())
			continue
		}

		s.broker.HandleMessage(p, data)
	}
}

// wsPeer adapts one gorilla connection to the broker's Peer interface. A
// single writePump goroutine owns all writes; Send and Probe only enqueue.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	send  chan []byte
	probe chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn, log *slog.Logger) *wsPeer {
	return &wsPeer{
		id:    uuid.NewString(),
		conn:  conn,
		log:   log,
		send:  make(chan []byte, sendQueueSize),
		probe: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(data []byte) {
	select {
	case <-p.done:
	case p.send <- data:
	default:
		// Dropping individual frames would corrupt the signaling dialogue, so
		// a peer that cannot drain its queue loses the connection instead.
		p.log.Warn("send queue full, closing peer", "peer", p.id)
		p.Close()
	}
}

func (p *wsPeer) Probe() {
	select {
	case p.probe <- struct{}{}:
	default:
	}
}

func (p *wsPeer) Open() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPeer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.Close()
				return
			}
		case <-p.probe:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.Close()
				return
			}
		}
	}
}
