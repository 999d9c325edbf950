package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duocall/signaling-relay/internal/metrics"
)

// Config wires together the runtime dependencies for the signaling surface.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SweepInterval is the liveness sweep period. Zero means the default.
	SweepInterval time.Duration

	// Inbound hardening. Zero means the defaults.
	MaxMessageBytes   int64
	MessagesPerSecond int
}

// Server is the signaling surface: the WebSocket endpoint clients relay
// through and the room-existence query used by the join form.
//
// Endpoints:
//   - GET /signal     : WebSocket signaling
//   - GET /check-room : room-existence query (pure read)
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	broker  *Broker

	upgrader websocket.Upgrader

	maxMessageBytes   int64
	messagesPerSecond int
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	rate := cfg.MessagesPerSecond
	if rate <= 0 {
		rate = 50
	}

	return &Server{
		log:     logger,
		metrics: cfg.Metrics,
		broker:  NewBroker(logger, cfg.Metrics, cfg.SweepInterval),
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. Unit tests dial the mux directly, so accept here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageBytes:   maxBytes,
		messagesPerSecond: rate,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /check-room", s.handleCheckRoom)
}

// Run drives the broker's liveness sweep until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.broker.Run(ctx)
}

// Close force-closes every connection and clears all room state.
func (s *Server) Close() {
	s.broker.Close()
}

func (s *Server) handleCheckRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing roomId"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.broker.RoomExists(roomID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
