// Package relay implements the star-topology frame relay: peers send compressed
// frames to one authority, which fans each frame out to every other peer tagged
// with the sender's identity.
package relay

import (
	"errors"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// ErrNotConnected is returned when the authority is not reachable yet.
var ErrNotConnected = errors.New("relay: authority not connected")

// Uplink is a peer's link to the authority.
type Uplink interface {
	// Ready is true once the authority has assigned this peer an identity.
	Ready() bool
	LocalID() types.PeerID
	SendToAuthority(payload []byte) error
	// OnFrame registers the callback for frames relayed from other peers.
	OnFrame(fn func(sender types.PeerID, payload []byte))
}

// Fanout is the authority's view of the connected peers.
type Fanout interface {
	Peers() []types.PeerID
	// Deliver sends f to each target and returns how many accepted it.
	Deliver(targets []types.PeerID, f types.RelayFrame) int
}

// FrameHandler receives frames arriving at the authority.
type FrameHandler interface {
	HandleFrame(sender types.PeerID, payload []byte)
}

// Renderer displays decoded remote frames. Implementations must not retain frame
// beyond the call unless they copy it.
type Renderer interface {
	ApplyTexture(peer types.PeerID, frame *types.Frame)
}

// FrameRecorder is fed every frame the authority relays.
type FrameRecorder interface {
	SendFrame(f types.RelayFrame) bool
}

type options struct {
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger
	recorder FrameRecorder
	fixed    bool
}

// Option configures the relay components
type Option func(*options)

func WithMetrics(m *metrics.Metrics) Option    { return func(o *options) { o.metrics = m } }
func WithLogger(l *logger.ModuleLogger) Option { return func(o *options) { o.log = l } }
func WithRecorder(r FrameRecorder) Option      { return func(o *options) { o.recorder = r } }
func WithFixedSurfaces() Option                { return func(o *options) { o.fixed = true } }

func buildOptions(module string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.log == nil {
		o.log = logger.For(module)
	}
	return o
}

// Authority fans frames out to every connected peer except the sender.
type Authority struct {
	fanout Fanout
	opts   options
}

// NewAuthority creates an authority over fanout.
func NewAuthority(fanout Fanout, opts ...Option) *Authority {
	return &Authority{fanout: fanout, opts: buildOptions("Authority", opts)}
}

// Targets returns the connected peers other than sender.
func (a *Authority) Targets(sender types.PeerID) []types.PeerID {
	peers := a.fanout.Peers()
	targets := make([]types.PeerID, 0, len(peers))
	for _, p := range peers {
		if p != sender {
			targets = append(targets, p)
		}
	}
	return targets
}

// HandleFrame relays payload to every peer except sender in one broadcast.
func (a *Authority) HandleFrame(sender types.PeerID, payload []byte) {
	m := a.opts.metrics
	m.RelayFramesIn.Add(1)

	targets := a.Targets(sender)
	frame := types.RelayFrame{Sender: sender, Payload: payload, Timestamp: time.Now()}

	delivered := 0
	if len(targets) > 0 {
		delivered = a.fanout.Deliver(targets, frame)
	}
	m.RelayDeliveries.Add(uint64(delivered))
	if dropped := len(targets) - delivered; dropped > 0 {
		m.RelayDrops.Add(uint64(dropped))
		a.opts.log.Debug("Frame from peer %s dropped for %d of %d peers", sender, dropped, len(targets))
	}

	if a.opts.recorder != nil {
		a.opts.recorder.SendFrame(frame)
	}
}

// Client is the peer side of the relay: it sends local frames to the authority
// and routes relayed frames to the matching surface.
type Client struct {
	uplink   Uplink
	surfaces *Surfaces
	opts     options
}

// NewClient wires a client to uplink and registers for relayed frames.
func NewClient(uplink Uplink, surfaces *Surfaces, opts ...Option) *Client {
	c := &Client{
		uplink:   uplink,
		surfaces: surfaces,
		opts:     buildOptions("RelayClient", opts),
	}
	uplink.OnFrame(c.OnFrameReceived)
	return c
}

// Ready reports whether the authority is reachable.
func (c *Client) Ready() bool {
	return c.uplink.Ready()
}

// LocalID is the identity the authority assigned to this peer.
func (c *Client) LocalID() types.PeerID {
	return c.uplink.LocalID()
}

// SendFrame hands payload to the authority. There is no queue and no retry.
func (c *Client) SendFrame(payload []byte) error {
	if !c.uplink.Ready() {
		return ErrNotConnected
	}
	return c.uplink.SendToAuthority(payload)
}

// OnFrameReceived applies a relayed frame. Frames carrying our own identity are
// ignored; the local capture is shown directly.
func (c *Client) OnFrameReceived(sender types.PeerID, payload []byte) {
	if c.uplink.Ready() && sender == c.uplink.LocalID() {
		c.opts.metrics.SelfFrames.Add(1)
		return
	}
	c.opts.metrics.FramesReceived.Add(1)
	c.surfaces.Apply(sender, payload)
}
