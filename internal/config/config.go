// Package config holds the settings of the authority and peer binaries. Values
// start from DefaultConfig, are overlaid by an optional YAML file and finally by
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
	"github.com/dj-oyu/rpg-video-relay/internal/delta"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/signalling"
	"github.com/dj-oyu/rpg-video-relay/internal/webmonitor"
)

// Capture devices.
const (
	DevicePattern = "pattern"
	DeviceDir     = "dir"
	DeviceV4L2    = "v4l2"
)

// Peer transports.
const (
	TransportWS     = "ws"
	TransportZMQ    = "zmq"
	TransportWebRTC = "webrtc"
)

// CaptureConfig tunes the capture loop and change detection.
type CaptureConfig struct {
	Interval                  time.Duration `yaml:"interval"`
	Size                      int           `yaml:"size"`
	Quality                   int           `yaml:"quality"`
	PixelDiffThreshold        int           `yaml:"pixel_diff_threshold"`
	MinChangePercent          float64       `yaml:"min_change_percent"`
	MaxFramesBetweenKeyframes int           `yaml:"max_frames_between_keyframes"`
	SampleStride              int           `yaml:"sample_stride"`
	WarmupDelay               time.Duration `yaml:"warmup_delay"`
	ReadyTimeout              time.Duration `yaml:"ready_timeout"`
}

// AuthorityConfig configures cmd/authority.
type AuthorityConfig struct {
	Addr         string        `yaml:"addr"`
	ZMQEndpoint  string        `yaml:"zmq_endpoint"`
	ZMQIdle      time.Duration `yaml:"zmq_idle"`
	Channels     string        `yaml:"channels"`
	RecordingDir string        `yaml:"recording_dir"`
}

// PeerConfig configures cmd/peer.
type PeerConfig struct {
	Device         string        `yaml:"device"`
	Label          string        `yaml:"label"`
	WatchDir       string        `yaml:"watch_dir"`
	DevicePath     string        `yaml:"device_path"`
	Transport      string        `yaml:"transport"`
	AuthorityURL   string        `yaml:"authority_url"`
	SignalURL      string        `yaml:"signal_url"`
	ZMQEndpoint    string        `yaml:"zmq_endpoint"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	STUNServers    []string      `yaml:"stun_servers"`
}

// Config is the whole configuration file.
type Config struct {
	LogLevel    logger.LogLevel   `yaml:"log_level"`
	LogColor    bool              `yaml:"log_color"`
	MetricsAddr string            `yaml:"metrics_addr"`
	Capture     CaptureConfig     `yaml:"capture"`
	Authority   AuthorityConfig   `yaml:"authority"`
	Peer        PeerConfig        `yaml:"peer"`
	Viewer      webmonitor.Config `yaml:"viewer"`
}

// DefaultConfig returns the stock settings: a 64x64 capture at five frames per
// second, JPEG quality 10, and a frame sent when 2% of pixels moved by more than
// 15 or every 30 captures.
func DefaultConfig() Config {
	loop := capture.DefaultConfig()
	return Config{
		LogLevel:    logger.INFO,
		LogColor:    true,
		MetricsAddr: ":9090",
		Capture: CaptureConfig{
			Interval:                  loop.CaptureInterval,
			Size:                      loop.RequestedSize,
			Quality:                   loop.Quality,
			PixelDiffThreshold:        loop.Delta.PixelDiffThreshold,
			MinChangePercent:          loop.Delta.MinChangePercent,
			MaxFramesBetweenKeyframes: loop.Delta.MaxFramesBetweenKeyframes,
			SampleStride:              loop.Delta.SampleStride,
			WarmupDelay:               loop.WarmupDelay,
			ReadyTimeout:              loop.ReadyTimeout,
		},
		Authority: AuthorityConfig{
			Addr:         ":8081",
			ZMQIdle:      5 * time.Second,
			Channels:     signalling.DefaultChannels,
			RecordingDir: "./recordings",
		},
		Peer: PeerConfig{
			Device:         DevicePattern,
			DevicePath:     "/dev/video0",
			Transport:      TransportWS,
			AuthorityURL:   "ws://localhost:8081/relay",
			SignalURL:      "ws://localhost:8081/signal",
			ZMQEndpoint:    "tcp://localhost:5557",
			Heartbeat:      time.Second,
			ReconnectDelay: 2 * time.Second,
		},
		Viewer: webmonitor.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	cc := c.Capture
	if cc.Interval <= 0 {
		errs = append(errs, errors.New("capture.interval must be positive"))
	}
	if cc.Size <= 0 {
		errs = append(errs, fmt.Errorf("capture.size %d is not positive", cc.Size))
	}
	if cc.Quality < 1 || cc.Quality > 100 {
		errs = append(errs, fmt.Errorf("capture.quality %d outside 1..100", cc.Quality))
	}
	if cc.PixelDiffThreshold < 0 || cc.PixelDiffThreshold > 255 {
		errs = append(errs, fmt.Errorf("capture.pixel_diff_threshold %d outside 0..255", cc.PixelDiffThreshold))
	}
	if cc.MinChangePercent < 0 || cc.MinChangePercent > 100 {
		errs = append(errs, fmt.Errorf("capture.min_change_percent %g outside 0..100", cc.MinChangePercent))
	}
	if cc.MaxFramesBetweenKeyframes < 1 {
		errs = append(errs, errors.New("capture.max_frames_between_keyframes must be at least 1"))
	}
	if cc.SampleStride < 0 {
		errs = append(errs, errors.New("capture.sample_stride must not be negative"))
	}

	switch c.Peer.Device {
	case DevicePattern, DeviceV4L2:
	case DeviceDir:
		if c.Peer.WatchDir == "" {
			errs = append(errs, errors.New("peer.watch_dir is required for the dir device"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown peer.device %q", c.Peer.Device))
	}
	switch c.Peer.Transport {
	case TransportWS, TransportZMQ, TransportWebRTC:
	default:
		errs = append(errs, fmt.Errorf("unknown peer.transport %q", c.Peer.Transport))
	}
	if len(signalling.ParseChannelList(c.Authority.Channels)) == 0 {
		errs = append(errs, errors.New("authority.channels is empty"))
	}
	return errors.Join(errs...)
}

// LoopConfig converts the capture settings for capture.New.
func (cc CaptureConfig) LoopConfig() capture.Config {
	cfg := capture.DefaultConfig()
	cfg.CaptureInterval = cc.Interval
	cfg.RequestedSize = cc.Size
	cfg.Quality = cc.Quality
	cfg.Delta = delta.Params{
		PixelDiffThreshold:        cc.PixelDiffThreshold,
		MinChangePercent:          cc.MinChangePercent,
		MaxFramesBetweenKeyframes: cc.MaxFramesBetweenKeyframes,
		SampleStride:              cc.SampleStride,
	}
	cfg.WarmupDelay = cc.WarmupDelay
	cfg.ReadyTimeout = cc.ReadyTimeout
	return cfg
}
