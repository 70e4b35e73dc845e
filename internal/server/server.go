// Package server exposes the relay over HTTP: the WebSocket endpoint plus a
// liveness check and a stats endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"studyroom/internal/config"
	"studyroom/internal/relay"
	ws "studyroom/internal/websocket"
)

const healthMessage = "presence relay is up"

// Relay is the relay surface the HTTP layer needs.
type Relay interface {
	ws.Relay
	Stats() relay.Stats
}

type Server struct {
	cfg      config.Config
	relay    Relay
	upgrader websocket.Upgrader
}

func New(cfg config.Config, r Relay) *Server {
	s := &Server{cfg: cfg, relay: r}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.corsMiddleware(handleHealth))
	mux.HandleFunc("GET /health", s.corsMiddleware(handleHealth))
	mux.HandleFunc("GET /stats", s.corsMiddleware(s.handleStats))
	mux.HandleFunc("GET /ws", s.handleConnections)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.cfg.Addr, "environment", s.cfg.Environment)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (s *Server) handleConnections(rw http.ResponseWriter, req *http.Request) {
	addr, ok := getIP(req, s.cfg.TrustProxyHeaders)
	if !ok {
		slog.Warn("could not determine client address", "remoteAddr", req.RemoteAddr)
		http.Error(rw, "could not determine necessary information", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		slog.Warn("error upgrading connection", "ip", addr, "error", err)
		return
	}

	client := ws.NewClient(conn, addr, s.relay, ws.Options{
		QueueDepth:     s.cfg.SendQueueDepth,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})
	if err := client.Serve(); err != nil {
		slog.Warn("client refused", "clientId", client.ID(), "ip", addr, "error", err)
	}
}

func handleHealth(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(healthMessage))
}

func (s *Server) handleStats(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(s.relay.Stats())
}

func (s *Server) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}
