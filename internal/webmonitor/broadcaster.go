package webmonitor

import (
	"sync"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
)

// FrameBroadcaster manages fanout of JPEG frames to multiple clients.
type FrameBroadcaster struct {
	name string
	log  *logger.ModuleLogger

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
	dropped uint64
}

// NewFrameBroadcaster creates an empty broadcaster. name tags its log lines.
func NewFrameBroadcaster(name string, log *logger.ModuleLogger) *FrameBroadcaster {
	if log == nil {
		log = logger.For("FrameBroadcaster")
	}
	return &FrameBroadcaster{
		name:    name,
		log:     log,
		clients: make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames. The
// most recent frame, if any, is queued straight away.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.latest != nil {
		ch <- fb.latest
	}
	fb.clients[id] = ch

	fb.log.Debug("%s: client #%d subscribed (total clients: %d)", fb.name, id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.log.Debug("%s: client #%d unsubscribed (remaining clients: %d)", fb.name, id, len(fb.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Latest returns the most recent frame.
func (fb *FrameBroadcaster) Latest() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest
}

// Broadcast hands data to every client without blocking. Slow clients miss
// frames.
func (fb *FrameBroadcaster) Broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.latest = data
	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			fb.dropped++
		}
	}
}

// Close disconnects every client.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}
