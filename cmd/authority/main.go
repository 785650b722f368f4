package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/config"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/recorder"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/internal/signalling"
	"github.com/dj-oyu/rpg-video-relay/internal/transport/wsrelay"
	"github.com/dj-oyu/rpg-video-relay/internal/transport/zmqrelay"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	pprofAddr  = flag.String("pprof", "", "pprof server address (empty disables)")
)

// Server is the relay authority: it fans frames out over websocket and
// optionally ZeroMQ, and relays signalling for peer-to-peer sessions.
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cfg        config.Config
	metrics    *metrics.Metrics
	recorder   *recorder.Recorder
	ws         *wsrelay.Server
	zmq        *zmqrelay.Server
	signal     *signalling.Server
	httpServer *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.Authority.Addr, "http", cfg.Authority.Addr, "HTTP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address (empty disables)")
	flag.StringVar(&cfg.Authority.ZMQEndpoint, "zmq", cfg.Authority.ZMQEndpoint, "ZeroMQ bind endpoint (empty disables)")
	flag.StringVar(&cfg.Authority.RecordingDir, "record-path", cfg.Authority.RecordingDir, "Recording output path")
	flag.StringVar(&cfg.Authority.Channels, "channels", cfg.Authority.Channels, "Signalling channel list")
	flag.Var(&cfg.LogLevel, "log-level", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		// Flags given explicitly win over the file.
		flag.Visit(func(f *flag.Flag) { loaded = overrideFromFlag(loaded, cfg, f.Name) })
		cfg = loaded
	}

	logger.Init(cfg.LogLevel, os.Stderr, cfg.LogColor)
	logger.Info("Main", "Relay authority starting...")
	logger.Info("Main", "Log level: %s", cfg.LogLevel)

	if err := os.MkdirAll(cfg.Authority.RecordingDir, 0755); err != nil {
		log.Fatalf("Failed to create recordings directory: %v", err)
	}

	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

func overrideFromFlag(dst, src config.Config, name string) config.Config {
	switch name {
	case "http":
		dst.Authority.Addr = src.Authority.Addr
	case "metrics":
		dst.MetricsAddr = src.MetricsAddr
	case "zmq":
		dst.Authority.ZMQEndpoint = src.Authority.ZMQEndpoint
	case "record-path":
		dst.Authority.RecordingDir = src.Authority.RecordingDir
	case "channels":
		dst.Authority.Channels = src.Authority.Channels
	case "log-level":
		dst.LogLevel = src.LogLevel
	case "log-color":
		dst.LogColor = src.LogColor
	}
	return dst
}

// NewServer wires the relay transports to one recorder and one metrics set.
func NewServer(cfg config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()
	rec := recorder.NewRecorder(cfg.Authority.RecordingDir, m, logger.For("Recorder"))

	ws := wsrelay.NewServer(m, logger.For("WSRelay"))
	ws.Handle(relay.NewAuthority(ws,
		relay.WithMetrics(m),
		relay.WithRecorder(rec),
		relay.WithLogger(logger.For("Authority")),
	))

	var zs *zmqrelay.Server
	if cfg.Authority.ZMQEndpoint != "" {
		zs = zmqrelay.NewServer(cfg.Authority.ZMQEndpoint, cfg.Authority.ZMQIdle, m, logger.For("ZMQRelay"))
		zs.Handle(relay.NewAuthority(zs,
			relay.WithMetrics(m),
			relay.WithRecorder(rec),
			relay.WithLogger(logger.For("ZMQAuthority")),
		))
	}

	srv := &Server{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		metrics:  m,
		recorder: rec,
		ws:       ws,
		zmq:      zs,
		signal:   signalling.NewServer(cfg.Authority.Channels, m, logger.For("Signalling")),
	}
	srv.httpServer = &http.Server{
		Addr:    cfg.Authority.Addr,
		Handler: srv.routes(),
	}
	return srv
}

// Start launches the metrics, pprof, HTTP and ZeroMQ servers.
func (s *Server) Start() error {
	logger.Info("Main", "  HTTP server: %s", s.cfg.Authority.Addr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  ZeroMQ endpoint: %s", s.cfg.Authority.ZMQEndpoint)
	logger.Info("Main", "  Recording path: %s", s.cfg.Authority.RecordingDir)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.Authority.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if s.zmq != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.zmq.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Main", "ZeroMQ relay stopped: %v", err)
			}
		}()
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

func (s *Server) routes() http.Handler {
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/relay", s.ws)
	mux.Handle("/signal", s.signal)
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/api/recording/start", corsMiddleware(s.handleStartRecording))
	mux.HandleFunc("/api/recording/stop", corsMiddleware(s.handleStopRecording))
	mux.HandleFunc("/api/recording/status", corsMiddleware(s.handleRecordingStatus))
	mux.HandleFunc("/api/peers", corsMiddleware(s.handlePeers))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.recorder.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to start recording: %v", err), status)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.recorder.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to stop recording: %v", err), status)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := map[string]any{
		"websocket":  s.ws.Peers(),
		"signalling": s.signal.SessionCount(),
	}
	if s.zmq != nil {
		peers["zmq"] = s.zmq.Peers()
	}
	writeJSON(w, peers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":          "ok",
		"relay_peers":     len(s.ws.Peers()),
		"signal_sessions": s.signal.SessionCount(),
		"recording":       s.recorder.IsRecording(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// Shutdown stops the relays, closes any recording and the HTTP server.
func (s *Server) Shutdown() error {
	s.cancel()
	s.wg.Wait()

	s.ws.Close()
	s.signal.Close()
	if err := s.recorder.Close(); err != nil {
		logger.Warn("Main", "Recorder close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
