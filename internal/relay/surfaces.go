package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Surface is the display slot for one remote peer's video.
type Surface struct {
	Owner types.PeerID

	mu           sync.Mutex
	image        *types.Frame
	updated      time.Time
	applied      uint64
	decodeErrors uint64
}

// Image returns the last successfully decoded frame, or nil.
func (s *Surface) Image() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// SurfaceStats describes one surface
type SurfaceStats struct {
	Owner        string    `json:"owner"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Applied      uint64    `json:"applied"`
	DecodeErrors uint64    `json:"decode_errors"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Surface) stats() SurfaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SurfaceStats{
		Owner:        s.Owner.String(),
		Applied:      s.applied,
		DecodeErrors: s.decodeErrors,
		UpdatedAt:    s.updated,
	}
	if s.image != nil {
		st.Width, st.Height = s.image.Width, s.image.Height
	}
	return st
}

// Surfaces maps remote owners to their surface. By default a surface is created
// the first time its owner sends a frame.
type Surfaces struct {
	renderer Renderer
	opts     options

	mu      sync.RWMutex
	byOwner map[types.PeerID]*Surface
}

// NewSurfaces creates an empty registry that forwards decoded frames to renderer.
// renderer may be nil.
func NewSurfaces(renderer Renderer, opts ...Option) *Surfaces {
	return &Surfaces{
		renderer: renderer,
		opts:     buildOptions("Surfaces", opts),
		byOwner:  make(map[types.PeerID]*Surface),
	}
}

// Assign returns the surface for owner, creating it if needed.
func (ss *Surfaces) Assign(owner types.PeerID) *Surface {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.byOwner[owner]; ok {
		return s
	}
	s := &Surface{Owner: owner}
	ss.byOwner[owner] = s
	ss.opts.log.Debug("Surface assigned to peer %s", owner)
	return s
}

// Remove drops the surface for owner.
func (ss *Surfaces) Remove(owner types.PeerID) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.byOwner, owner)
}

// Get returns the surface for owner.
func (ss *Surfaces) Get(owner types.PeerID) (*Surface, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.byOwner[owner]
	return s, ok
}

// Owners lists surface owners in ascending order.
func (ss *Surfaces) Owners() []types.PeerID {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	owners := make([]types.PeerID, 0, len(ss.byOwner))
	for id := range ss.byOwner {
		owners = append(owners, id)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}

// Stats describes every surface, ordered by owner.
func (ss *Surfaces) Stats() []SurfaceStats {
	owners := ss.Owners()
	out := make([]SurfaceStats, 0, len(owners))
	for _, id := range owners {
		if s, ok := ss.Get(id); ok {
			out = append(out, s.stats())
		}
	}
	return out
}

// Apply decodes payload onto the surface owned by sender. It returns true when
// the surface changed. A payload that fails to decode leaves the previous image
// in place; an empty payload is ignored. An unknown sender gets a surface only
// once one of its payloads decodes.
func (ss *Surfaces) Apply(sender types.PeerID, payload []byte) bool {
	s, ok := ss.Get(sender)
	if !ok && ss.opts.fixed {
		ss.opts.log.Debug("No surface for peer %s, frame dropped", sender)
		return false
	}

	frame, err := codec.Decode(payload)
	if err != nil {
		var de *codec.DecodeError
		if errors.As(err, &de) {
			ss.opts.metrics.DecodeErrors.Add(1)
		}
		if s != nil {
			s.mu.Lock()
			s.decodeErrors++
			s.mu.Unlock()
		}
		ss.opts.log.Debug("Frame from peer %s not applied: %v", sender, err)
		return false
	}
	if frame == nil {
		return false
	}
	if s == nil {
		s = ss.Assign(sender)
	}

	s.mu.Lock()
	s.image = frame
	s.updated = time.Now()
	s.applied++
	s.mu.Unlock()

	ss.opts.metrics.FramesApplied.Add(1)
	if ss.renderer != nil {
		ss.renderer.ApplyTexture(sender, frame)
	}
	return true
}
