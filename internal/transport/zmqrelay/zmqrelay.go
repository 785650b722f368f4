// Package zmqrelay carries the frame relay over a ZeroMQ ROUTER (authority) and
// DEALER (peer) pair. Peers announce themselves with hello envelopes, which also
// serve as heartbeats; the authority evicts peers it has not heard from.
package zmqrelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pebbe/zmq4"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

const (
	pollTimeout  = 10 * time.Millisecond
	outboundSize = 64
)

// ErrQueueFull is returned when the socket goroutine is not keeping up.
var ErrQueueFull = errors.New("zmqrelay: send queue full")

type outMsg struct {
	identity string
	data     []byte
}

type zpeer struct {
	id       types.PeerID
	identity string
	lastSeen time.Time
}

// Server is the authority end. All socket calls happen on the Run goroutine.
type Server struct {
	endpoint string
	idle     time.Duration
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger
	out      chan outMsg

	mu         sync.RWMutex
	handler    relay.FrameHandler
	nextID     types.PeerID
	peers      map[types.PeerID]*zpeer
	byIdentity map[string]types.PeerID
}

// NewServer binds to endpoint when Run is called. Peers silent for idle are
// evicted.
func NewServer(endpoint string, idle time.Duration, m *metrics.Metrics, log *logger.ModuleLogger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.For("ZMQRelay")
	}
	return &Server{
		endpoint:   endpoint,
		idle:       idle,
		metrics:    m,
		log:        log,
		out:        make(chan outMsg, outboundSize),
		nextID:     1,
		peers:      make(map[types.PeerID]*zpeer),
		byIdentity: make(map[string]types.PeerID),
	}
}

// Handle sets the authority that receives peer frames.
func (s *Server) Handle(h relay.FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return err
	}
	defer socket.Close()
	if err := socket.SetRcvtimeo(pollTimeout); err != nil {
		return err
	}
	if err := socket.Bind(s.endpoint); err != nil {
		return fmt.Errorf("bind %s: %w", s.endpoint, err)
	}
	s.log.Info("Listening on %s", s.endpoint)

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.flush(socket)

		parts, err := socket.RecvMessageBytes(0)
		if err == nil && len(parts) >= 2 {
			s.handleMessage(string(parts[0]), parts[len(parts)-1])
		}

		if time.Since(lastSweep) >= s.idle/2 {
			s.evictIdle()
			lastSweep = time.Now()
		}
	}
}

func (s *Server) flush(socket *zmq4.Socket) {
	for {
		select {
		case m := <-s.out:
			if _, err := socket.SendMessage(m.identity, m.data); err != nil {
				s.log.Debug("Send to %s failed: %v", m.identity, err)
			}
		default:
			return
		}
	}
}

func (s *Server) handleMessage(identity string, data []byte) {
	env, err := relay.UnmarshalEnvelope(data)
	if err != nil {
		s.log.Debug("Bad envelope from %s: %v", identity, err)
		return
	}

	id := s.touch(identity)
	switch env.Kind {
	case relay.KindHello:
		welcome := relay.Envelope{Kind: relay.KindWelcome, Peer: id}.Marshal()
		select {
		case s.out <- outMsg{identity: identity, data: welcome}:
		default:
		}
	case relay.KindFrame:
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			h.HandleFrame(id, env.Payload)
		}
	}
}

// touch returns the identity's peer id, registering it if new.
func (s *Server) touch(identity string) types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdentity[identity]; ok {
		s.peers[id].lastSeen = time.Now()
		return id
	}
	p := &zpeer{id: s.nextID, identity: identity, lastSeen: time.Now()}
	s.nextID++
	s.peers[p.id] = p
	s.byIdentity[identity] = p.id
	s.metrics.ConnectedPeers.Store(uint64(len(s.peers)))
	s.metrics.TotalPeers.Add(1)
	s.log.Info("Peer %s joined (%d peers)", p.id, len(s.peers))
	return p.id
}

func (s *Server) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.idle)
	for id, p := range s.peers {
		if p.lastSeen.Before(cutoff) {
			delete(s.peers, id)
			delete(s.byIdentity, p.identity)
			s.log.Info("Peer %s timed out (%d peers)", id, len(s.peers))
		}
	}
	s.metrics.ConnectedPeers.Store(uint64(len(s.peers)))
}

// Peers implements relay.Fanout.
func (s *Server) Peers() []types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.PeerID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Deliver implements relay.Fanout.
func (s *Server) Deliver(targets []types.PeerID, f types.RelayFrame) int {
	data := relay.Envelope{Kind: relay.KindRelayed, Peer: f.Sender, Payload: f.Payload}.Marshal()

	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, id := range targets {
		p, ok := s.peers[id]
		if !ok {
			continue
		}
		select {
		case s.out <- outMsg{identity: p.identity, data: data}:
			delivered++
		default:
		}
	}
	return delivered
}

// Client is a peer's DEALER uplink. It implements relay.Uplink.
type Client struct {
	endpoint  string
	identity  string
	heartbeat time.Duration
	log       *logger.ModuleLogger
	out       chan []byte

	mu       sync.RWMutex
	id       types.PeerID
	lastSeen time.Time
	onFrame  func(types.PeerID, []byte)
}

// NewClient creates a client that says hello every heartbeat.
func NewClient(endpoint string, heartbeat time.Duration, log *logger.ModuleLogger) *Client {
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	if log == nil {
		log = logger.For("ZMQRelayClient")
	}
	return &Client{
		endpoint:  endpoint,
		identity:  uuid.NewString(),
		heartbeat: heartbeat,
		log:       log,
		out:       make(chan []byte, outboundSize),
	}
}

// Ready implements relay.Uplink. The authority counts as reachable while it
// has answered a hello within three heartbeats.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id != 0 && time.Since(c.lastSeen) < 3*c.heartbeat
}

// LocalID implements relay.Uplink.
func (c *Client) LocalID() types.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// OnFrame implements relay.Uplink.
func (c *Client) OnFrame(fn func(types.PeerID, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// SendToAuthority implements relay.Uplink.
func (c *Client) SendToAuthority(payload []byte) error {
	if !c.Ready() {
		return relay.ErrNotConnected
	}
	select {
	case c.out <- relay.Envelope{Kind: relay.KindFrame, Payload: payload}.Marshal():
		return nil
	default:
		return ErrQueueFull
	}
}

// Run owns the socket until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return err
	}
	defer socket.Close()
	if err := socket.SetIdentity(c.identity); err != nil {
		return err
	}
	if err := socket.SetRcvtimeo(pollTimeout); err != nil {
		return err
	}
	if err := socket.SetLinger(0); err != nil {
		return err
	}
	if err := socket.Connect(c.endpoint); err != nil {
		return fmt.Errorf("connect %s: %w", c.endpoint, err)
	}

	hello := relay.Envelope{Kind: relay.KindHello}.Marshal()
	var lastHello time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastHello) >= c.heartbeat {
			if _, err := socket.SendBytes(hello, zmq4.DONTWAIT); err != nil {
				c.log.Debug("Hello failed: %v", err)
			}
			lastHello = time.Now()
		}

	drain:
		for {
			select {
			case data := <-c.out:
				if _, err := socket.SendBytes(data, zmq4.DONTWAIT); err != nil {
					c.log.Debug("Frame send failed: %v", err)
				}
			default:
				break drain
			}
		}

		data, err := socket.RecvBytes(0)
		if err != nil {
			continue
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	env, err := relay.UnmarshalEnvelope(data)
	if err != nil {
		c.log.Debug("Bad envelope from authority: %v", err)
		return
	}

	c.mu.Lock()
	c.lastSeen = time.Now()
	if env.Kind == relay.KindWelcome && env.Peer != c.id {
		c.id = env.Peer
		c.log.Info("Joined authority as peer %s", env.Peer)
	}
	fn := c.onFrame
	c.mu.Unlock()

	if env.Kind == relay.KindRelayed && fn != nil {
		fn(env.Peer, env.Payload)
	}
}
