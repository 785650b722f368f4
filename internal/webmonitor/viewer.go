package webmonitor

import (
	"image"
	"image/color"
	"image/draw"
	"sort"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// localKey is the tile key of the local capture preview.
const localKey = "local"

// PeerStatus describes one tile of the viewer.
type PeerStatus struct {
	Peer       string    `json:"peer"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Frames     uint64    `json:"frames"`
	LastUpdate time.Time `json:"last_update"`
	Clients    int       `json:"clients"`
}

type tile struct {
	key         string
	frame       *types.Frame
	frames      uint64
	updated     time.Time
	broadcaster *FrameBroadcaster
}

// Viewer turns decoded frames into MJPEG feeds: one per remote peer, one for
// the local preview and a labelled mosaic of all of them. It implements
// relay.Renderer and capture.Preview.
type Viewer struct {
	cfg    Config
	log    *logger.ModuleLogger
	mosaic *FrameBroadcaster

	mu    sync.RWMutex
	tiles map[string]*tile
}

// NewViewer creates a viewer with no tiles.
func NewViewer(cfg Config, log *logger.ModuleLogger) *Viewer {
	if log == nil {
		log = logger.For("Viewer")
	}
	return &Viewer{
		cfg:    cfg.withDefaults(),
		log:    log,
		mosaic: NewFrameBroadcaster("mosaic", log),
		tiles:  make(map[string]*tile),
	}
}

// ApplyTexture implements relay.Renderer. frame is not modified.
func (v *Viewer) ApplyTexture(peer types.PeerID, frame *types.Frame) {
	v.update(peer.String(), frame)
}

// ShowLocal implements capture.Preview. The capture loop reuses frame, so it is
// copied before the call returns.
func (v *Viewer) ShowLocal(frame *types.Frame) {
	cp := &types.Frame{Width: frame.Width, Height: frame.Height, Pix: make([]byte, len(frame.Pix))}
	copy(cp.Pix, frame.Pix)
	v.update(localKey, cp)
}

func (v *Viewer) update(key string, frame *types.Frame) {
	if frame == nil {
		return
	}
	data, err := codec.Encode(frame, v.cfg.JPEGQuality)
	if err != nil {
		v.log.Warn("Encode tile %s: %v", key, err)
		return
	}

	v.mu.Lock()
	t, ok := v.tiles[key]
	if !ok {
		t = &tile{key: key, broadcaster: NewFrameBroadcaster("tile "+key, v.log)}
		v.tiles[key] = t
		v.log.Info("New tile %s (%dx%d)", key, frame.Width, frame.Height)
	}
	t.frame = frame
	t.frames++
	t.updated = time.Now()
	v.mu.Unlock()

	t.broadcaster.Broadcast(data)
	v.renderMosaic()
}

// Remove drops the tile of a peer that left.
func (v *Viewer) Remove(peer types.PeerID) {
	v.mu.Lock()
	t, ok := v.tiles[peer.String()]
	delete(v.tiles, peer.String())
	v.mu.Unlock()
	if ok {
		t.broadcaster.Close()
		v.renderMosaic()
	}
}

// keysLocked returns tile keys with the local preview first and peers in numeric order.
func (v *Viewer) keysLocked() []string {
	keys := make([]string, 0, len(v.tiles))
	for k := range v.tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == localKey || keys[j] == localKey {
			return keys[i] == localKey
		}
		a, errA := types.ParsePeerID(keys[i])
		b, errB := types.ParsePeerID(keys[j])
		if errA != nil || errB != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}

func (v *Viewer) renderMosaic() {
	v.mu.RLock()
	keys := v.keysLocked()
	frames := make([]*types.Frame, len(keys))
	for i, k := range keys {
		frames[i] = v.tiles[k].frame
	}
	v.mu.RUnlock()

	img := v.composeMosaic(keys, frames)
	data, err := codec.Encode(codec.FromImage(img), v.cfg.JPEGQuality)
	if err != nil {
		v.log.Warn("Encode mosaic: %v", err)
		return
	}
	v.mosaic.Broadcast(data)
}

// composeMosaic lays tiles out row by row, each scaled into a square cell and
// labelled with its key.
func (v *Viewer) composeMosaic(keys []string, frames []*types.Frame) *image.RGBA {
	size := v.cfg.TileSize
	cols := v.cfg.MosaicColumns
	if len(keys) < cols {
		cols = len(keys)
	}
	if cols == 0 {
		cols = 1
	}
	rows := (len(keys) + cols - 1) / cols
	if rows == 0 {
		rows = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, cols*size, rows*size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 16, G: 16, B: 16, A: 255}), image.Point{}, draw.Src)

	for i, k := range keys {
		cell := image.Rect((i%cols)*size, (i/cols)*size, (i%cols+1)*size, (i/cols+1)*size)
		if frames[i] != nil {
			codec.ScaleInto(img, cell, frames[i])
		}
		label := "peer " + k
		if k == localKey {
			label = "you"
		}
		drawer := font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.RGBA{R: 255, G: 255, A: 255}),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(cell.Min.X+4, cell.Max.Y-4),
		}
		drawer.DrawString(label)
	}
	return img
}

// Mosaic returns the broadcaster of the combined feed.
func (v *Viewer) Mosaic() *FrameBroadcaster {
	return v.mosaic
}

// Tile returns the broadcaster for a peer key ("local" or a peer ID).
func (v *Viewer) Tile(key string) (*FrameBroadcaster, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tiles[key]
	if !ok {
		return nil, false
	}
	return t.broadcaster, true
}

// Peers returns the status of every tile.
func (v *Viewer) Peers() []PeerStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]PeerStatus, 0, len(v.tiles))
	for _, k := range v.keysLocked() {
		t := v.tiles[k]
		ps := PeerStatus{
			Peer:       k,
			Frames:     t.frames,
			LastUpdate: t.updated,
			Clients:    t.broadcaster.ClientCount(),
		}
		if t.frame != nil {
			ps.Width, ps.Height = t.frame.Width, t.frame.Height
		}
		out = append(out, ps)
	}
	return out
}

// Close disconnects every stream client.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, t := range v.tiles {
		t.broadcaster.Close()
	}
	v.mosaic.Close()
}
