package webmonitor

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

func solidFrame(w, h int, v byte) *types.Frame {
	f := types.NewFrame(w, h)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func TestShowLocalCopiesFrame(t *testing.T) {
	v := NewViewer(Config{TileSize: 32}, nil)
	f := solidFrame(8, 8, 200)
	v.ShowLocal(f)
	for i := range f.Pix {
		f.Pix[i] = 0
	}

	v.mu.RLock()
	kept := v.tiles[localKey].frame
	v.mu.RUnlock()
	if kept.Pix[0] != 200 {
		t.Fatalf("preview aliases the capture buffer")
	}
}

func TestPeersOrderedLocalFirst(t *testing.T) {
	v := NewViewer(Config{TileSize: 32}, nil)
	v.ApplyTexture(10, solidFrame(8, 8, 10))
	v.ApplyTexture(2, solidFrame(16, 8, 20))
	v.ShowLocal(solidFrame(8, 8, 30))

	peers := v.Peers()
	if len(peers) != 3 {
		t.Fatalf("peers = %d, want 3", len(peers))
	}
	want := []string{"local", "2", "10"}
	for i, p := range peers {
		if p.Peer != want[i] {
			t.Fatalf("peer %d = %s, want %s", i, p.Peer, want[i])
		}
	}
	if peers[1].Width != 16 || peers[1].Frames != 1 {
		t.Fatalf("peer 2 status = %+v", peers[1])
	}
}

func TestMosaicLayout(t *testing.T) {
	v := NewViewer(Config{TileSize: 32, MosaicColumns: 2}, nil)
	for id := types.PeerID(1); id <= 3; id++ {
		v.ApplyTexture(id, solidFrame(8, 8, byte(id*50)))
	}

	img, err := jpeg.Decode(bytes.NewReader(v.Mosaic().Latest()))
	if err != nil {
		t.Fatalf("decode mosaic: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("mosaic is %dx%d, want 64x64", b.Dx(), b.Dy())
	}
}

func TestRemoveDropsTile(t *testing.T) {
	v := NewViewer(Config{TileSize: 16}, nil)
	v.ApplyTexture(1, solidFrame(8, 8, 1))
	b, ok := v.Tile("1")
	if !ok {
		t.Fatalf("tile missing")
	}
	_, ch := b.Subscribe()

	v.Remove(1)
	if _, ok := v.Tile("1"); ok {
		t.Fatalf("tile still present")
	}
	// the latest frame is queued on subscribe, then the channel closes
	for range ch {
	}
}

func TestBroadcasterDropsForSlowClients(t *testing.T) {
	b := NewFrameBroadcaster("test", nil)
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < 5; i++ {
		b.Broadcast([]byte{byte(i)})
	}
	if got := len(ch); got != 2 {
		t.Fatalf("queued %d frames, want 2", got)
	}
	if b.Latest()[0] != 4 {
		t.Fatalf("latest = %v", b.Latest())
	}
}

func TestBlankCard(t *testing.T) {
	data, err := blankJPEG()
	if err != nil {
		t.Fatalf("blankJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Fatalf("blank card is %dx%d", b.Dx(), b.Dy())
	}
	again, _ := blankJPEG()
	if &again[0] != &data[0] {
		t.Fatal("blank card rendered twice")
	}
}

func TestViewerCloseEndsSubscriptions(t *testing.T) {
	v := NewViewer(Config{TileSize: 32}, nil)
	v.ShowLocal(solidFrame(8, 8, 10))
	tile, ok := v.Tile("local")
	if !ok {
		t.Fatal("no local tile")
	}
	_, ch := tile.Subscribe()
	v.Close()
	for range ch {
	}
	if tile.ClientCount() != 0 {
		t.Fatalf("clients after Close = %d", tile.ClientCount())
	}
}
