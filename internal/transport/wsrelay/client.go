package wsrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Client is a peer's websocket uplink. It implements relay.Uplink and keeps
// reconnecting until its context is cancelled.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	log            *logger.ModuleLogger

	mu      sync.RWMutex
	conn    *websocket.Conn
	id      types.PeerID
	ready   bool
	onFrame func(types.PeerID, []byte)

	writeMu sync.Mutex
	readyCh chan struct{}
}

// NewClient creates a client for url (ws://host/relay).
func NewClient(url string, reconnectDelay time.Duration, log *logger.ModuleLogger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	if log == nil {
		log = logger.For("WSRelayClient")
	}
	return &Client{
		url:            url,
		dialer:         &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		reconnectDelay: reconnectDelay,
		log:            log,
		readyCh:        make(chan struct{}),
	}
}

// Ready implements relay.Uplink.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
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

// WaitReady blocks until the first welcome arrives or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendToAuthority implements relay.Uplink.
func (c *Client) SendToAuthority(payload []byte) error {
	c.mu.RLock()
	conn, ready := c.conn, c.ready
	c.mu.RUnlock()
	if !ready || conn == nil {
		return relay.ErrNotConnected
	}

	data := relay.Envelope{Kind: relay.KindFrame, Payload: payload}.Marshal()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send to authority: %w", err)
	}
	return nil
}

// Run connects and serves relayed frames, reconnecting after failures.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("Relay connection lost: %v (retrying in %s)", err, c.reconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer c.reset(conn)

	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	id, err := readWelcome(conn)
	if err != nil {
		return err
	}

	// Server pings every pingEvery; the default ping handler answers them.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.id = id
	c.ready = true
	c.mu.Unlock()
	c.signalReady()
	c.log.Info("Connected to authority as peer %s", id)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		env, err := relay.UnmarshalEnvelope(data)
		if err != nil {
			c.log.Debug("Bad envelope from authority: %v", err)
			continue
		}
		if env.Kind != relay.KindRelayed {
			continue
		}
		c.mu.RLock()
		fn := c.onFrame
		c.mu.RUnlock()
		if fn != nil {
			fn(env.Peer, env.Payload)
		}
	}
}

func readWelcome(conn *websocket.Conn) (types.PeerID, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("waiting for welcome: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return 0, fmt.Errorf("expected binary welcome, got message type %d", messageType)
	}
	env, err := relay.UnmarshalEnvelope(data)
	if err != nil {
		return 0, err
	}
	if env.Kind != relay.KindWelcome || env.Peer == 0 {
		return 0, fmt.Errorf("expected welcome, got %s", env.Kind)
	}
	return env.Peer, nil
}

func (c *Client) signalReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
}

func (c *Client) reset(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = false
	}
	c.mu.Unlock()
	_ = conn.Close()
}
