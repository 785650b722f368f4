package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// ErrNoSession is returned by SendFrame when no outbound session is connected.
var ErrNoSession = errors.New("signalling: no connected session")

// State of a signalling client.
type State int32

const (
	Connecting State = iota
	Negotiating
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Established:
		return "established"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Conn is the text transport to the signalling relay.
type Conn interface {
	Send(text string) error
	Close() error
}

// Session is one direction of a peer-to-peer link.
type Session interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// CreateAnswer sets the answer as the local description and returns it once
	// ICE gathering has finished, so it carries every local candidate.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	Send(payload []byte) error
	Close() error
}

// SessionEvents are the callbacks a Session reports through.
type SessionEvents struct {
	OnCandidate    func(webrtc.ICECandidateInit)
	OnConnected    func()
	OnDisconnected func()
	OnMessage      func([]byte)
}

// SessionFactory creates sessions. Outbound sessions open the video data
// channel; inbound sessions accept it.
type SessionFactory interface {
	NewSession(outbound bool, ev SessionEvents) (Session, error)
}

type link struct {
	channel  ChannelID
	outbound bool
	session  Session

	offer      string
	candidates []string
	answered   bool

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	connected bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithMetrics(m *metrics.Metrics) ClientOption    { return func(c *Client) { c.metrics = m } }
func WithLogger(l *logger.ModuleLogger) ClientOption { return func(c *Client) { c.log = l } }

// Client negotiates direct sessions with the peers named in the channel list
// and streams frames over them. It implements the capture loop's sink.
type Client struct {
	conn     Conn
	factory  SessionFactory
	surfaces *relay.Surfaces
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu    sync.Mutex
	local string
	links map[ChannelID]*link
}

// NewClient creates a client that writes to conn. Incoming text must be passed
// to HandleMessage. surfaces may be nil for a send-only peer.
func NewClient(conn Conn, factory SessionFactory, surfaces *relay.Surfaces, opts ...ClientOption) *Client {
	c := &Client{
		conn:     conn,
		factory:  factory,
		surfaces: surfaces,
		links:    make(map[ChannelID]*link),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.log == nil {
		c.log = logger.For("SignalClient")
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// State returns the current state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == Closed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// LocalID is the identity assigned by the relay, or "" before it arrives.
func (c *Client) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Channels returns the channels this client has a session for.
func (c *Client) Channels() []ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelID, 0, len(c.links))
	for ch := range c.links {
		out = append(out, ch)
	}
	return out
}

// Done is closed after Close.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// HandleMessage processes one text message from the relay.
func (c *Client) HandleMessage(text string) {
	if c.State() == Closed {
		return
	}
	msg := Parse(text)

	if msg.Type == Other {
		if list, ok := msg.ChannelList(); ok {
			c.openLinks(list)
		} else if id, ok := msg.Identity(); ok {
			c.mu.Lock()
			current := c.local
			if current == "" {
				c.local = id
			}
			c.mu.Unlock()
			if current == "" {
				c.log.Info("Assigned identity %s", id)
			} else if current != id {
				c.log.Debug("Identity %s ignored, already %s", id, current)
			}
		}
		return
	}

	if !Accepts(c.LocalID(), msg) {
		return
	}
	switch msg.Type {
	case Offer:
		c.handleOffer(msg)
	case Answer:
		c.handleAnswer(msg)
	case Candidate:
		c.handleCandidate(msg)
	}
}

func (c *Client) send(msg Message) {
	if err := c.conn.Send(msg.String()); err != nil {
		c.log.Warn("Send %s on %s failed: %v", msg.Type, msg.Channel, err)
	}
}

func (c *Client) openLinks(list []ChannelID) {
	local := c.LocalID()
	if local == "" {
		c.log.Debug("Channel list before identity, ignored")
		return
	}

	for _, ch := range list {
		if !ch.Names(local) || ch.Sender() == ch.Receiver() {
			continue
		}

		c.mu.Lock()
		if l, ok := c.links[ch]; ok {
			var resend []Message
			if l.outbound && !l.answered && l.offer != "" {
				resend = append(resend, Message{Type: Offer, Channel: ch, Payload: l.offer})
				for _, cand := range l.candidates {
					resend = append(resend, Message{Type: Candidate, Channel: ch, Payload: cand})
				}
			}
			c.mu.Unlock()
			for _, m := range resend {
				c.send(m)
			}
			continue
		}
		l := &link{channel: ch, outbound: ch.Sender() == local}
		c.links[ch] = l
		c.mu.Unlock()

		if err := c.startLink(l); err != nil {
			c.log.Warn("Session for %s failed: %v", ch, err)
			c.mu.Lock()
			delete(c.links, ch)
			c.mu.Unlock()
			continue
		}
		c.setStateFrom(Connecting, Negotiating)
	}
}

func (c *Client) setStateFrom(from, to State) {
	c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Client) startLink(l *link) error {
	ev := SessionEvents{
		OnConnected:    func() { c.linkConnected(l) },
		OnDisconnected: func() { c.linkDisconnected(l) },
	}
	if l.outbound {
		ev.OnCandidate = func(cand webrtc.ICECandidateInit) { c.outboundCandidate(l, cand) }
	} else {
		ev.OnMessage = func(payload []byte) { c.deliver(l.channel, payload) }
	}

	sess, err := c.factory.NewSession(l.outbound, ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	l.session = sess
	c.mu.Unlock()

	if !l.outbound {
		c.log.Debug("Waiting for offer on %s", l.channel)
		return nil
	}

	offer, err := sess.CreateOffer()
	if err != nil {
		sess.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		sess.Close()
		return err
	}
	c.mu.Lock()
	l.offer = string(data)
	c.mu.Unlock()
	c.send(Message{Type: Offer, Channel: l.channel, Payload: string(data)})
	c.log.Info("Offer sent on %s", l.channel)
	return nil
}

func (c *Client) outboundCandidate(l *link, cand webrtc.ICECandidateInit) {
	data, err := json.Marshal(cand)
	if err != nil {
		return
	}
	c.mu.Lock()
	l.candidates = append(l.candidates, string(data))
	c.mu.Unlock()
	c.send(Message{Type: Candidate, Channel: l.channel, Payload: string(data)})
}

// link returns the session-backed link for ch in the given direction, or nil.
func (c *Client) link(ch ChannelID, outbound bool) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[ch]
	if !ok || l.outbound != outbound || l.session == nil {
		return nil
	}
	return l
}

func (c *Client) handleOffer(msg Message) {
	l := c.link(msg.Channel, false)
	if l == nil {
		c.log.Debug("Offer on unknown channel %s", msg.Channel)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(msg.Payload), &offer); err != nil {
		c.log.Warn("Bad offer on %s: %v", msg.Channel, err)
		return
	}

	c.mu.Lock()
	if l.remoteSet {
		c.mu.Unlock()
		c.log.Debug("Duplicate offer on %s ignored", msg.Channel)
		return
	}
	l.remoteSet = true
	c.mu.Unlock()

	if err := l.session.SetRemoteDescription(offer); err != nil {
		c.log.Warn("Set offer on %s: %v", msg.Channel, err)
		c.mu.Lock()
		l.remoteSet = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	pending := l.pending
	l.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := l.session.AddICECandidate(cand); err != nil {
			c.log.Debug("Buffered candidate on %s: %v", msg.Channel, err)
		}
	}

	go func() {
		answer, err := l.session.CreateAnswer(c.ctx)
		if err != nil {
			c.log.Warn("Answer on %s: %v", l.channel, err)
			return
		}
		data, err := json.Marshal(answer)
		if err != nil {
			return
		}
		c.send(Message{Type: Answer, Channel: l.channel, Payload: string(data)})
		c.log.Info("Answer sent on %s", l.channel)
	}()
}

func (c *Client) handleAnswer(msg Message) {
	l := c.link(msg.Channel, true)
	if l == nil {
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(msg.Payload), &answer); err != nil {
		c.log.Warn("Bad answer on %s: %v", msg.Channel, err)
		return
	}

	c.mu.Lock()
	if l.answered {
		c.mu.Unlock()
		return
	}
	l.answered = true
	c.mu.Unlock()

	if err := l.session.SetRemoteDescription(answer); err != nil {
		c.log.Warn("Set answer on %s: %v", msg.Channel, err)
		c.mu.Lock()
		l.answered = false
		c.mu.Unlock()
	}
}

func (c *Client) handleCandidate(msg Message) {
	l := c.link(msg.Channel, false)
	if l == nil {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(msg.Payload), &cand); err != nil {
		c.log.Warn("Bad candidate on %s: %v", msg.Channel, err)
		return
	}

	c.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := l.session.AddICECandidate(cand); err != nil {
		c.log.Debug("Candidate on %s: %v", msg.Channel, err)
	}
}

func (c *Client) linkConnected(l *link) {
	c.mu.Lock()
	already := l.connected
	l.connected = true
	c.mu.Unlock()
	if already {
		return
	}
	c.metrics.PeerSessions.Add(1)
	c.setState(Established)
	c.log.Info("Session %s connected", l.channel)
}

func (c *Client) linkDisconnected(l *link) {
	c.mu.Lock()
	was := l.connected
	l.connected = false
	remaining := false
	for _, other := range c.links {
		if other.connected {
			remaining = true
			break
		}
	}
	c.mu.Unlock()
	if !was {
		return
	}
	c.metrics.PeerSessions.Add(^uint64(0))
	if !remaining {
		c.setStateFrom(Established, Negotiating)
	}
	c.log.Info("Session %s disconnected", l.channel)
}

func (c *Client) deliver(ch ChannelID, payload []byte) {
	if c.surfaces == nil {
		return
	}
	sender, err := types.ParsePeerID(ch.Sender())
	if err != nil {
		return
	}
	c.metrics.FramesReceived.Add(1)
	c.surfaces.Apply(sender, payload)
}

func (c *Client) connectedOutbound() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Session
	for _, l := range c.links {
		if l.outbound && l.connected && l.session != nil {
			out = append(out, l.session)
		}
	}
	return out
}

// Ready reports whether any outbound session is connected.
func (c *Client) Ready() bool {
	return len(c.connectedOutbound()) > 0
}

// SendFrame sends payload on every connected outbound session. It fails only
// when no session took the frame.
func (c *Client) SendFrame(payload []byte) error {
	sessions := c.connectedOutbound()
	if len(sessions) == 0 {
		return ErrNoSession
	}
	var firstErr error
	sent := 0
	for _, s := range sessions {
		if err := s.Send(payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		return firstErr
	}
	return nil
}

// Close tears down every session and the relay connection.
func (c *Client) Close() error {
	c.state.Store(int32(Closed))
	c.cancel()

	c.mu.Lock()
	links := c.links
	c.links = make(map[ChannelID]*link)
	c.mu.Unlock()
	for _, l := range links {
		if l.session != nil {
			l.session.Close()
		}
	}
	return c.conn.Close()
}

// wsConn adapts a websocket to Conn.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) Send(text string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Dial connects to a signalling relay and starts reading from it. The client
// closes itself when the connection drops or ctx is cancelled.
func Dial(ctx context.Context, url string, factory SessionFactory, surfaces *relay.Surfaces, opts ...ClientOption) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := NewClient(&wsConn{conn: conn}, factory, surfaces, opts...)
	stop := context.AfterFunc(ctx, func() { c.Close() })

	go func() {
		defer stop()
		defer c.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if c.State() != Closed {
					c.log.Info("Signalling connection lost: %v", err)
				}
				return
			}
			if mt == websocket.TextMessage {
				c.HandleMessage(string(data))
			}
		}
	}()
	return c, nil
}
