package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dj-oyu/rpg-video-relay/internal/config"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/node"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	device := flag.String("device", "", "Capture device: pattern, dir or v4l2")
	watchDir := flag.String("dir", "", "Directory watched by the dir device")
	v4l2 := flag.String("v4l2", "", "V4L2 device path")
	label := flag.String("label", "", "Label drawn by the pattern device")
	transport := flag.String("transport", "", "Transport: ws, zmq or webrtc")
	authority := flag.String("authority", "", "Authority websocket URL")
	signalURL := flag.String("signal", "", "Signalling websocket URL")
	zmqEndpoint := flag.String("zmq", "", "Authority ZeroMQ endpoint")
	stun := flag.String("stun", "", "STUN server URLs (comma-separated)")
	viewerAddr := flag.String("viewer", "", "Viewer HTTP address (\"off\" disables)")
	metricsAddr := flag.String("metrics", "", "Metrics server address (\"off\" disables)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor := flag.Bool("log-color", true, "Enable colored log output")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setIf(&cfg.Peer.Device, *device)
	setIf(&cfg.Peer.WatchDir, *watchDir)
	setIf(&cfg.Peer.DevicePath, *v4l2)
	setIf(&cfg.Peer.Label, *label)
	setIf(&cfg.Peer.Transport, *transport)
	setIf(&cfg.Peer.AuthorityURL, *authority)
	setIf(&cfg.Peer.SignalURL, *signalURL)
	setIf(&cfg.Peer.ZMQEndpoint, *zmqEndpoint)
	setIf(&cfg.Viewer.Addr, *viewerAddr)
	setIf(&cfg.MetricsAddr, *metricsAddr)
	if *stun != "" {
		cfg.Peer.STUNServers = strings.Split(*stun, ",")
	}
	if *logLevel != "" {
		if err := cfg.LogLevel.Set(*logLevel); err != nil {
			log.Fatalf("Invalid log level: %v", err)
		}
	}
	if cfg.Viewer.Addr == "off" {
		cfg.Viewer.Addr = ""
	}
	if cfg.MetricsAddr == "off" {
		cfg.MetricsAddr = ""
	}
	// A dir device named on the command line implies -device dir.
	if *watchDir != "" && *device == "" {
		cfg.Peer.Device = config.DeviceDir
	}

	logger.Init(cfg.LogLevel, os.Stderr, *logColor)
	logger.Info("Main", "Peer starting (device=%s, transport=%s)", cfg.Peer.Device, cfg.Peer.Transport)

	m := metrics.New()
	n, err := node.NewPeer(cfg, m)
	if err != nil {
		log.Fatalf("Failed to create peer: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.MetricsAddr)
			if err := m.StartServer(cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
	logger.Info("Main", "Peer stopped")
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
