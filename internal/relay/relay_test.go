package relay_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/internal/transport/memory"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

type recordingRenderer struct {
	mu  sync.Mutex
	got map[types.PeerID]int
}

func newRenderer() *recordingRenderer {
	return &recordingRenderer{got: make(map[types.PeerID]int)}
}

func (r *recordingRenderer) ApplyTexture(peer types.PeerID, _ *types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[peer]++
}

func (r *recordingRenderer) count(peer types.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[peer]
}

func (r *recordingRenderer) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.got {
		n += c
	}
	return n
}

type peer struct {
	conn     *memory.Conn
	client   *relay.Client
	surfaces *relay.Surfaces
	renderer *recordingRenderer
}

func joinPeer(hub *memory.Hub, opts ...relay.Option) *peer {
	p := &peer{conn: hub.Join(), renderer: newRenderer()}
	p.surfaces = relay.NewSurfaces(p.renderer, opts...)
	p.client = relay.NewClient(p.conn, p.surfaces)
	return p
}

func jpegPayload(t *testing.T, seed int64) []byte {
	t.Helper()
	f := types.NewFrame(8, 8)
	rand.New(rand.NewSource(seed)).Read(f.Pix)
	data, err := codec.Encode(f, 50)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestFanOutExcludesSender(t *testing.T) {
	hub := memory.NewHub()
	hub.Handle(relay.NewAuthority(hub))

	s := joinPeer(hub)
	others := []*peer{joinPeer(hub), joinPeer(hub), joinPeer(hub)}

	if err := s.client.SendFrame(jpegPayload(t, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if s.renderer.total() != 0 {
		t.Fatalf("sender received its own frame")
	}
	for i, o := range others {
		if got := o.renderer.count(s.conn.LocalID()); got != 1 {
			t.Fatalf("peer %d got %d frames tagged with sender, want 1", i, got)
		}
		if o.renderer.total() != 1 {
			t.Fatalf("peer %d got frames tagged with someone else", i)
		}
	}
}

func TestAuthorityTargets(t *testing.T) {
	hub := memory.NewHub()
	auth := relay.NewAuthority(hub)
	hub.Handle(auth)
	a, b, c := hub.Join(), hub.Join(), hub.Join()

	got := auth.Targets(b.LocalID())
	if len(got) != 2 || got[0] != a.LocalID() || got[1] != c.LocalID() {
		t.Fatalf("targets = %v", got)
	}

	_ = c.Close()
	got = auth.Targets(b.LocalID())
	if len(got) != 1 || got[0] != a.LocalID() {
		t.Fatalf("targets after leave = %v", got)
	}
}

func TestRecipientFilterRoutesBySender(t *testing.T) {
	r := newRenderer()
	surfaces := relay.NewSurfaces(r, relay.WithFixedSurfaces())
	two := surfaces.Assign(2)
	three := surfaces.Assign(3)

	if !surfaces.Apply(2, jpegPayload(t, 2)) {
		t.Fatalf("frame for assigned owner not applied")
	}
	if two.Image() == nil {
		t.Fatalf("surface 2 not updated")
	}
	if three.Image() != nil {
		t.Fatalf("surface 3 updated by peer 2's frame")
	}
	if surfaces.Apply(9, jpegPayload(t, 3)) {
		t.Fatalf("frame from unassigned owner applied with fixed surfaces")
	}
	if r.count(2) != 1 || r.total() != 1 {
		t.Fatalf("renderer calls = %v", r.got)
	}
}

func TestDecodeFailureKeepsLastImage(t *testing.T) {
	surfaces := relay.NewSurfaces(nil)
	surfaces.Apply(5, jpegPayload(t, 5))
	s, _ := surfaces.Get(5)
	before := s.Image()

	if surfaces.Apply(5, []byte("definitely not a jpeg")) {
		t.Fatalf("garbage applied")
	}
	if s.Image() != before {
		t.Fatalf("image replaced after decode failure")
	}
	if surfaces.Apply(5, nil) {
		t.Fatalf("empty payload applied")
	}
	if s.Image() != before {
		t.Fatalf("image replaced by empty payload")
	}
	st := surfaces.Stats()
	if len(st) != 1 || st[0].Applied != 1 || st[0].DecodeErrors != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUndecodablePayloadCreatesNoSurface(t *testing.T) {
	r := newRenderer()
	surfaces := relay.NewSurfaces(r)
	if surfaces.Apply(7, []byte("garbage")) || surfaces.Apply(7, nil) {
		t.Fatalf("unusable payload applied")
	}
	if owners := surfaces.Owners(); len(owners) != 0 {
		t.Fatalf("surfaces created for unusable payloads: %v", owners)
	}
	if r.total() != 0 {
		t.Fatalf("renderer called: %v", r.got)
	}

	if !surfaces.Apply(7, jpegPayload(t, 7)) {
		t.Fatalf("valid payload not applied")
	}
	if owners := surfaces.Owners(); len(owners) != 1 || owners[0] != 7 {
		t.Fatalf("owners = %v", owners)
	}
}

func TestClientIgnoresOwnFrames(t *testing.T) {
	hub := memory.NewHub()
	hub.Handle(relay.NewAuthority(hub))
	p := joinPeer(hub)

	p.client.OnFrameReceived(p.conn.LocalID(), jpegPayload(t, 1))
	if p.renderer.total() != 0 {
		t.Fatalf("own relayed frame applied")
	}
	if len(p.surfaces.Owners()) != 0 {
		t.Fatalf("surface created for self")
	}
}

func TestSendWithoutAuthority(t *testing.T) {
	hub := memory.NewHub()
	p := joinPeer(hub)
	if p.client.Ready() {
		t.Fatalf("client ready without an authority")
	}
	if err := p.client.SendFrame([]byte{1}); !errors.Is(err, relay.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type countingRecorder struct {
	frames []types.RelayFrame
}

func (c *countingRecorder) SendFrame(f types.RelayFrame) bool {
	c.frames = append(c.frames, f)
	return true
}

func TestAuthorityFeedsRecorder(t *testing.T) {
	hub := memory.NewHub()
	rec := &countingRecorder{}
	hub.Handle(relay.NewAuthority(hub, relay.WithRecorder(rec)))
	a := joinPeer(hub)
	joinPeer(hub)

	_ = a.client.SendFrame(jpegPayload(t, 4))
	if len(rec.frames) != 1 || rec.frames[0].Sender != a.conn.LocalID() {
		t.Fatalf("recorder frames = %+v", rec.frames)
	}
}
