package signalling

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
)

// DefaultChannels covers every ordered pair among peers 0, 1 and 2.
const DefaultChannels = "01|02|10|12|20|21"

const writeWait = 10 * time.Second

type session struct {
	key     string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) send(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Server relays signalling text between websocket sessions. It assigns each
// session an identity from a connection counter and announces a fixed channel
// list; it never interprets negotiation messages.
type Server struct {
	channels string
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	counter  int
}

// NewServer announces channels (DefaultChannels when empty) to every session.
func NewServer(channels string, m *metrics.Metrics, log *logger.ModuleLogger) *Server {
	list := ParseChannelList(channels)
	if len(list) == 0 {
		list = ParseChannelList(DefaultChannels)
	}
	announce := FormatChannelList(list)
	if len(list) == 1 {
		// keep a single-channel list distinguishable from an identity
		announce += "|"
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.For("Signalling")
	}
	return &Server{
		channels: announce,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[string]*session),
	}
}

// Channels returns the list announced to sessions.
func (s *Server) Channels() string {
	return s.channels
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Upgrade failed: %v", err)
		return
	}

	sess := &session{key: uuid.NewString(), conn: conn}
	s.mu.Lock()
	identity := s.counter
	s.counter++
	s.mu.Unlock()

	// identity and list go out before the session can receive forwarded text
	if err := sess.send(strconv.Itoa(identity)); err != nil {
		conn.Close()
		return
	}
	if err := sess.send(s.channels); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess.key] = sess
	s.metrics.SignalSessions.Store(uint64(len(s.sessions)))
	s.mu.Unlock()
	s.log.Info("Session %s opened as %d", sess.key, identity)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.key)
		s.metrics.SignalSessions.Store(uint64(len(s.sessions)))
		s.mu.Unlock()
		conn.Close()
		s.log.Info("Session %s closed", sess.key)
	}()

	// earlier sessions re-announce offers the new session has not seen
	s.broadcast(sess.key, s.channels)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.metrics.SignalForwarded.Add(uint64(s.broadcast(sess.key, string(data))))
	}
}

// broadcast sends text to every session except the one keyed by from and
// returns how many sends succeeded.
func (s *Server) broadcast(from, text string) int {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for key, sess := range s.sessions {
		if key != from {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, sess := range targets {
		if err := sess.send(text); err != nil {
			s.log.Debug("Send to %s failed: %v", sess.key, err)
			continue
		}
		sent++
	}
	return sent
}

// Close closes every open session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}
