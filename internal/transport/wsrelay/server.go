// Package wsrelay carries the frame relay over WebSocket binary messages. Each
// message is one relay.Envelope.
package wsrelay

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	// Frames queued per peer before new ones are dropped.
	sendQueue = 4
)

type peerConn struct {
	id      types.PeerID
	conn    *websocket.Conn
	writeMu sync.Mutex
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (p *peerConn) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Server is the authority end of the websocket transport. It implements
// relay.Fanout and http.Handler.
type Server struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger

	mu      sync.RWMutex
	handler relay.FrameHandler
	nextID  types.PeerID
	peers   map[types.PeerID]*peerConn
}

// NewServer creates a server; identities start at 1.
func NewServer(m *metrics.Metrics, log *logger.ModuleLogger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.For("WSRelay")
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: m,
		log:     log,
		nextID:  1,
		peers:   make(map[types.PeerID]*peerConn),
	}
}

// Handle sets the authority that receives peer frames.
func (s *Server) Handle(h relay.FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// ServeHTTP upgrades the request and serves one peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	p := s.register(conn)
	defer s.unregister(p)

	welcome := relay.Envelope{Kind: relay.KindWelcome, Peer: p.id}.Marshal()
	if err := p.write(websocket.BinaryMessage, welcome); err != nil {
		s.log.Warn("Peer %s: welcome failed: %v", p.id, err)
		return
	}

	go s.writePump(p)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("Peer %s read error: %v", p.id, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		env, err := relay.UnmarshalEnvelope(data)
		if err != nil {
			s.log.Debug("Peer %s sent a bad envelope: %v", p.id, err)
			continue
		}
		if env.Kind != relay.KindFrame {
			continue
		}
		if h := s.frameHandler(); h != nil {
			h.HandleFrame(p.id, env.Payload)
		}
	}
}

func (s *Server) frameHandler() relay.FrameHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *Server) register(conn *websocket.Conn) *peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &peerConn{
		id:   s.nextID,
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
	s.nextID++
	s.peers[p.id] = p
	s.metrics.ConnectedPeers.Store(uint64(len(s.peers)))
	s.metrics.TotalPeers.Add(1)
	s.log.Info("Peer %s connected from %s (peers: %d)", p.id, conn.RemoteAddr(), len(s.peers))
	return p
}

func (s *Server) unregister(p *peerConn) {
	s.mu.Lock()
	if cur, ok := s.peers[p.id]; ok && cur == p {
		delete(s.peers, p.id)
	}
	n := len(s.peers)
	s.mu.Unlock()

	p.close()
	s.metrics.ConnectedPeers.Store(uint64(n))
	s.log.Info("Peer %s disconnected (peers: %d)", p.id, n)
}

func (s *Server) writePump(p *peerConn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if err := p.write(websocket.BinaryMessage, data); err != nil {
				s.log.Debug("Peer %s write failed: %v", p.id, err)
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
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

// Deliver implements relay.Fanout. The envelope is encoded once and queued to
// each target without blocking; peers with a full queue miss this frame.
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
		case p.send <- data:
			delivered++
		case <-p.done:
		default:
			// Peer too slow, skip this frame
		}
	}
	return delivered
}

// Close disconnects every peer.
func (s *Server) Close() error {
	s.mu.RLock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		_ = p.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "authority shutting down"))
		p.close()
	}
	return nil
}
