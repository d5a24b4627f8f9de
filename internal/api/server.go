// Package api serves the read-only status endpoints:
//
//	GET /health       — liveness probe
//	GET /api/snapshot — the engine's latest state snapshot
//	GET /ws           — WebSocket stream of snapshots and order events
//
// The server only ever reads immutable snapshots published by the engine;
// it cannot influence trading.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"updown-mm/internal/config"
	"updown-mm/internal/events"
	"updown-mm/internal/strategy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local-only status endpoint
		return true
	},
}

// SnapshotProvider supplies the engine's latest state. Implemented by
// strategy.Engine.
type SnapshotProvider interface {
	Latest() *strategy.Snapshot
}

// Server runs the HTTP/WebSocket status API.
type Server struct {
	provider SnapshotProvider
	eventHub *events.Hub
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the status server. eventHub may be nil when event
// streaming is disabled.
func NewServer(cfg config.StatusConfig, provider SnapshotProvider, eventHub *events.Hub, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		eventHub: eventHub,
		hub:      NewHub(logger),
		logger:   logger.With("component", "status"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server and its stream pumps. Blocks until the listener
// fails or Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pumpSnapshots()
	if s.eventHub != nil {
		go s.pumpEvents()
	}

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Latest()); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn)

	// Send the current snapshot immediately so clients don't wait a tick.
	raw, err := json.Marshal(streamFrame{Type: "snapshot", Timestamp: time.Now(), Data: s.provider.Latest()})
	if err != nil {
		s.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- raw:
	default:
		s.logger.Warn("failed to send initial snapshot to client")
	}
}

// pumpSnapshots periodically broadcasts the engine snapshot.
func (s *Server) pumpSnapshots() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.hub.Broadcast("snapshot", s.provider.Latest())
	}
}

// pumpEvents forwards published order events to stream clients.
func (s *Server) pumpEvents() {
	ch, cancel := s.eventHub.Subscribe(256)
	defer cancel()

	for evt := range ch {
		s.hub.Broadcast("event", evt)
	}
}
