// Package node assembles one peer: a capture device feeding the capture loop, a
// transport carrying frames to and from the other peers, and the local viewer
// showing both.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
	"github.com/dj-oyu/rpg-video-relay/internal/config"
	"github.com/dj-oyu/rpg-video-relay/internal/device/dirwatch"
	"github.com/dj-oyu/rpg-video-relay/internal/device/gstcam"
	"github.com/dj-oyu/rpg-video-relay/internal/device/pattern"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/internal/signalling"
	"github.com/dj-oyu/rpg-video-relay/internal/transport/wsrelay"
	"github.com/dj-oyu/rpg-video-relay/internal/transport/zmqrelay"
	"github.com/dj-oyu/rpg-video-relay/internal/webmonitor"
	"github.com/dj-oyu/rpg-video-relay/internal/webrtc"
)

// RunFunc is a transport goroutine. It returns when ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Node is one peer of the relay.
type Node struct {
	cfg      config.Config
	log      *logger.ModuleLogger
	metrics  *metrics.Metrics
	device   capture.Device
	viewer   *webmonitor.Viewer
	surfaces *relay.Surfaces

	transport string
	sink      capture.Sink
	localID   func() string
	runners   []RunFunc

	loopOpts []capture.Option

	mu   sync.Mutex
	loop *capture.Loop
}

// New creates a node around device. A transport must be attached before Run.
func New(cfg config.Config, device capture.Device, m *metrics.Metrics) *Node {
	if m == nil {
		m = metrics.New()
	}
	viewer := webmonitor.NewViewer(cfg.Viewer, logger.For("Viewer"))
	return &Node{
		cfg:     cfg,
		log:     logger.For("Node"),
		metrics: m,
		device:  device,
		viewer:  viewer,
		surfaces: relay.NewSurfaces(viewer,
			relay.WithMetrics(m),
			relay.WithLogger(logger.For("Surfaces")),
		),
	}
}

// NewPeer builds a node with the device and transport named in cfg.Peer.
func NewPeer(cfg config.Config, m *metrics.Metrics) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := NewDevice(cfg.Peer)
	if err != nil {
		return nil, err
	}
	n := New(cfg, device, m)

	switch cfg.Peer.Transport {
	case config.TransportWS:
		c := wsrelay.NewClient(cfg.Peer.AuthorityURL, cfg.Peer.ReconnectDelay, logger.For("WSRelay"))
		n.AttachUplink(config.TransportWS, c, c.Run)
	case config.TransportZMQ:
		c := zmqrelay.NewClient(cfg.Peer.ZMQEndpoint, cfg.Peer.Heartbeat, logger.For("ZMQRelay"))
		n.AttachUplink(config.TransportZMQ, c, c.Run)
	case config.TransportWebRTC:
		n.AttachSignalling(webrtc.NewFactory(cfg.Peer.STUNServers, logger.For("WebRTC")))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Peer.Transport)
	}
	return n, nil
}

// NewDevice opens nothing; it only constructs the configured capture device.
func NewDevice(pc config.PeerConfig) (capture.Device, error) {
	switch pc.Device {
	case config.DevicePattern:
		return pattern.New(pc.Label), nil
	case config.DeviceDir:
		return dirwatch.New(pc.WatchDir, logger.For("DirWatch")), nil
	case config.DeviceV4L2:
		return gstcam.New(pc.DevicePath, logger.For("GstCam")), nil
	default:
		return nil, fmt.Errorf("unknown device %q", pc.Device)
	}
}

// WithCaptureOptions appends options passed to the capture loop.
func (n *Node) WithCaptureOptions(opts ...capture.Option) *Node {
	n.loopOpts = append(n.loopOpts, opts...)
	return n
}

// AttachUplink routes frames through a star relay uplink. run may be nil for
// transports that need no goroutine of their own.
func (n *Node) AttachUplink(name string, uplink relay.Uplink, run RunFunc) {
	client := relay.NewClient(uplink, n.surfaces,
		relay.WithMetrics(n.metrics),
		relay.WithLogger(logger.For("RelayClient")),
	)
	n.transport = name
	n.sink = client
	n.localID = func() string {
		if !client.Ready() {
			return ""
		}
		return client.LocalID().String()
	}
	if run != nil {
		n.runners = append(n.runners, run)
	}
}

// AttachSignalling routes frames over peer-to-peer sessions negotiated through
// the signalling relay at cfg.Peer.SignalURL.
func (n *Node) AttachSignalling(factory signalling.SessionFactory) {
	s := &signalSink{}
	n.transport = config.TransportWebRTC
	n.sink = s
	n.localID = func() string {
		if c := s.client.Load(); c != nil {
			return c.LocalID()
		}
		return ""
	}
	n.runners = append(n.runners, func(ctx context.Context) error {
		return n.runSignalling(ctx, s, factory)
	})
}

func (n *Node) runSignalling(ctx context.Context, s *signalSink, factory signalling.SessionFactory) error {
	for {
		c, err := signalling.Dial(ctx, n.cfg.Peer.SignalURL, factory, n.surfaces,
			signalling.WithMetrics(n.metrics),
			signalling.WithLogger(logger.For("Signalling")),
		)
		if err == nil {
			s.client.Store(c)
			select {
			case <-c.Done():
			case <-ctx.Done():
			}
			s.client.Store(nil)
			c.Close()
			err = errors.New("signalling connection closed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log.Warn("Signalling unavailable: %v (retrying in %s)", err, n.cfg.Peer.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.cfg.Peer.ReconnectDelay):
		}
	}
}

// signalSink forwards to the current signalling client, if any.
type signalSink struct {
	client atomic.Pointer[signalling.Client]
}

func (s *signalSink) Ready() bool {
	c := s.client.Load()
	return c != nil && c.Ready()
}

func (s *signalSink) SendFrame(payload []byte) error {
	c := s.client.Load()
	if c == nil {
		return signalling.ErrNoSession
	}
	return c.SendFrame(payload)
}

// Viewer returns the local viewer.
func (n *Node) Viewer() *webmonitor.Viewer { return n.viewer }

// Surfaces returns the registry of remote surfaces.
func (n *Node) Surfaces() *relay.Surfaces { return n.surfaces }

// Loop returns the capture loop; nil before Run.
func (n *Node) Loop() *capture.Loop {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loop
}

// LocalID is the identity the transport assigned, or "" when not connected.
func (n *Node) LocalID() string {
	if n.localID == nil {
		return ""
	}
	return n.localID()
}

// Status is served at /api/status by the viewer.
func (n *Node) Status() map[string]any {
	status := map[string]any{
		"transport": n.transport,
		"local_id":  n.LocalID(),
		"ready":     n.sink != nil && n.sink.Ready(),
		"surfaces":  n.surfaces.Stats(),
		"metrics":   n.metrics.Snapshot(),
	}
	if loop := n.Loop(); loop != nil {
		status["capture"] = loop.Stats()
	}
	return status
}

// Run starts the transport, the capture loop and, when cfg.Viewer.Addr is set,
// the viewer HTTP server. It blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if n.sink == nil {
		return errors.New("node: no transport attached")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, run := range n.runners {
		wg.Add(1)
		go func(run RunFunc) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Error("Transport stopped: %v", err)
			}
		}(run)
	}

	var httpServer *http.Server
	if n.cfg.Viewer.Addr != "" {
		ws := webmonitor.NewServer(n.cfg.Viewer, n.viewer, n.Status, logger.For("WebMonitor"))
		httpServer = &http.Server{
			Addr:    n.cfg.Viewer.Addr,
			Handler: ws.Handler(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.log.Info("Viewer listening on %s", n.cfg.Viewer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.log.Error("Viewer server error: %v", err)
			}
		}()
	}

	opts := append([]capture.Option{
		capture.WithMetrics(n.metrics),
		capture.WithPreview(n.viewer),
		capture.WithLogger(logger.For("Capture")),
	}, n.loopOpts...)
	loop := capture.New(n.cfg.Capture.LoopConfig(), n.device, n.sink, opts...)
	n.mu.Lock()
	n.loop = loop
	n.mu.Unlock()
	loop.Start(ctx)

	<-ctx.Done()
	n.log.Info("Shutting down peer")
	loop.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			n.log.Error("Viewer shutdown error: %v", err)
		}
	}
	wg.Wait()
	n.viewer.Close()
	return nil
}
