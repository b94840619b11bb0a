package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethan/gamestream-gateway/pkg/gateway"
)

// Server exposes a read-only HTTP status API for the gateway: live
// rooms, stream counters and router drop counters. It carries no
// signaling; offers and answers go through the external signaling host.
type Server struct {
	gw         *gateway.Gateway
	logger     *slog.Logger
	httpServer *http.Server
}

// StatusResponse is the /api/status document
type StatusResponse struct {
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Rooms          int    `json:"rooms"`
	PeersStreaming int    `json:"peersStreaming"`
	VideoFrames    uint64 `json:"videoFrames"`
	VideoBytes     uint64 `json:"videoBytes"`
	Keyframes      uint64 `json:"keyframes"`
	AvgFrameSize   uint64 `json:"avgFrameSize"`
}

// NewServer creates a status server in front of a gateway
func NewServer(gw *gateway.Gateway, logger *slog.Logger) *Server {
	return &Server{gw: gw, logger: logger}
}

// Start begins serving on addr
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/api/input", s.handleInput)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.withCORS(s.withLogging(mux)),
		// Timeouts to prevent resource exhaustion
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP status server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	// Catch immediate bind failures
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	vs := s.gw.VideoStats()
	s.writeJSON(w, StatusResponse{
		UptimeSeconds:  int64(s.gw.Uptime().Seconds()),
		Rooms:          len(s.gw.RoomSummaries()),
		PeersStreaming: s.gw.StreamingPeerCount(),
		VideoFrames:    vs.FramesSent,
		VideoBytes:     vs.BytesSent,
		Keyframes:      vs.KeyFramesSent,
		AvgFrameSize:   vs.AvgFrameSize,
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.gw.RoomSummaries())
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.gw.InputStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// withLogging logs each request with its duration
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", fmt.Sprintf("%.1fms", float64(time.Since(start).Microseconds())/1000))
	})
}

// withCORS allows browser dashboards on other origins to poll the API
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
