package wsrelay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/relay"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

type received struct {
	sender  types.PeerID
	payload string
}

func startClient(t *testing.T, ctx context.Context, url string) (*Client, <-chan received) {
	t.Helper()
	c := NewClient(url, 50*time.Millisecond, nil)
	ch := make(chan received, 8)
	c.OnFrame(func(sender types.PeerID, payload []byte) {
		ch <- received{sender: sender, payload: string(payload)}
	})
	go func() { _ = c.Run(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.WaitReady(waitCtx); err != nil {
		t.Fatalf("client never became ready: %v", err)
	}
	return c, ch
}

func waitPeers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Peers()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("server has %d peers, want %d", len(s.Peers()), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayOverWebSocket(t *testing.T) {
	srv := NewServer(nil, nil)
	srv.Handle(relay.NewAuthority(srv))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	a, aFrames := startClient(t, ctx, url)
	b, bFrames := startClient(t, ctx, url)
	c, cFrames := startClient(t, ctx, url)
	waitPeers(t, srv, 3)

	ids := map[types.PeerID]bool{a.LocalID(): true, b.LocalID(): true, c.LocalID(): true}
	if len(ids) != 3 {
		t.Fatalf("identities not unique: %v %v %v", a.LocalID(), b.LocalID(), c.LocalID())
	}

	if err := a.SendToAuthority([]byte("frame-1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, ch := range map[string]<-chan received{"b": bFrames, "c": cFrames} {
		select {
		case got := <-ch:
			if got.sender != a.LocalID() || got.payload != "frame-1" {
				t.Fatalf("%s received %+v", name, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not receive the frame", name)
		}
	}

	select {
	case got := <-aFrames:
		t.Fatalf("sender received its own frame: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPerSenderOrderPreserved(t *testing.T) {
	srv := NewServer(nil, nil)
	srv.Handle(relay.NewAuthority(srv))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	a, _ := startClient(t, ctx, url)
	_, bFrames := startClient(t, ctx, url)
	waitPeers(t, srv, 2)

	// Stay within the per-peer queue so nothing is dropped.
	want := []string{"f1", "f2", "f3"}
	for _, p := range want {
		if err := a.SendToAuthority([]byte(p)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, p := range want {
		select {
		case got := <-bFrames:
			if got.payload != p {
				t.Fatalf("got %q, want %q", got.payload, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing frame %q", p)
		}
	}
}

func TestClientNotReadyBeforeConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/relay", time.Second, nil)
	if c.Ready() {
		t.Fatalf("unconnected client reports ready")
	}
	if err := c.SendToAuthority([]byte("x")); !errors.Is(err, relay.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPeerRemovedOnDisconnect(t *testing.T) {
	srv := NewServer(nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	startClient(t, ctx, url)
	waitPeers(t, srv, 1)

	cancel()
	waitPeers(t, srv, 0)
}
