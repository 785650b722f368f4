package webmonitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
)

// StatusFunc contributes extra fields to /api/status.
type StatusFunc func() map[string]any

// Server serves the viewer endpoints.
type Server struct {
	cfg    Config
	viewer *Viewer
	status StatusFunc
	log    *logger.ModuleLogger
}

// NewServer returns a server for viewer. status may be nil.
func NewServer(cfg Config, viewer *Viewer, status StatusFunc, log *logger.ModuleLogger) *Server {
	if log == nil {
		log = logger.For("WebMonitor")
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		viewer: viewer,
		status: status,
		log:    log,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /stream/{peer}", s.handlePeerStream)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/peers", s.handlePeers)
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	b := s.viewer.Mosaic()
	id, frameCh := b.Subscribe()
	defer b.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.cfg.BlankAfter, s.log)
}

func (s *Server) handlePeerStream(w http.ResponseWriter, r *http.Request) {
	b, ok := s.viewer.Tile(r.PathValue("peer"))
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "unknown peer"}, http.StatusNotFound)
		return
	}
	id, frameCh := b.Subscribe()
	defer b.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh, s.cfg.BlankAfter, s.log)
}

func (s *Server) snapshot() any {
	payload := map[string]any{
		"peers":          s.viewer.Peers(),
		"mosaic_clients": s.viewer.Mosaic().ClientCount(),
		"timestamp":      float64(time.Now().Unix()),
	}
	if s.status != nil {
		for k, v := range s.status() {
			payload[k] = v
		}
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	streamStatusEvents(w, r, s.cfg.StatusInterval, s.snapshot, s.log)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.viewer.Peers())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
