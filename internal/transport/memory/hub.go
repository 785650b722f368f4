// Package memory is an in-process frame relay transport. Delivery is synchronous,
// so a frame sent by one peer has reached every recipient when SendToAuthority
// returns.
package memory

import (
	"sort"
	"sync"

	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Hub plays the authority's transport for peers living in the same process.
type Hub struct {
	mu      sync.RWMutex
	handler relay.FrameHandler
	nextID  types.PeerID
	conns   map[types.PeerID]*Conn
}

// NewHub returns a hub with no peers. Identities start at 1.
func NewHub() *Hub {
	return &Hub{
		nextID: 1,
		conns:  make(map[types.PeerID]*Conn),
	}
}

// Handle sets the authority that receives peer frames.
func (h *Hub) Handle(handler relay.FrameHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Join connects a new peer and assigns its identity.
func (h *Hub) Join() *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Conn{hub: h, id: h.nextID}
	h.nextID++
	h.conns[c.id] = c
	return c
}

// Peers implements relay.Fanout.
func (h *Hub) Peers() []types.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]types.PeerID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Deliver implements relay.Fanout.
func (h *Hub) Deliver(targets []types.PeerID, f types.RelayFrame) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(targets))
	for _, id := range targets {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.deliver(f.Sender, f.Payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) leave(id types.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *Hub) authority() relay.FrameHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// Conn is one peer's uplink into the hub.
type Conn struct {
	hub *Hub
	id  types.PeerID

	mu      sync.RWMutex
	onFrame func(types.PeerID, []byte)
	closed  bool
}

// Ready implements relay.Uplink.
func (c *Conn) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.hub.authority() != nil
}

// LocalID implements relay.Uplink.
func (c *Conn) LocalID() types.PeerID { return c.id }

// OnFrame implements relay.Uplink.
func (c *Conn) OnFrame(fn func(types.PeerID, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// SendToAuthority implements relay.Uplink.
func (c *Conn) SendToAuthority(payload []byte) error {
	if !c.Ready() {
		return relay.ErrNotConnected
	}
	c.hub.authority().HandleFrame(c.id, payload)
	return nil
}

// Close removes the peer from the hub.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.hub.leave(c.id)
	return nil
}

func (c *Conn) deliver(sender types.PeerID, payload []byte) bool {
	c.mu.RLock()
	fn, closed := c.onFrame, c.closed
	c.mu.RUnlock()
	if closed || fn == nil {
		return false
	}
	fn(sender, payload)
	return true
}
