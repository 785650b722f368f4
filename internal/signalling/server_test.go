package signalling

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSignal(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestServerAssignsIdentityAndAnnouncesChannels(t *testing.T) {
	srv := NewServer("", nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	a := dialSignal(t, ts.URL)
	if got := readText(t, a); got != "0" {
		t.Fatalf("first identity = %q, want 0", got)
	}
	if got := readText(t, a); got != DefaultChannels {
		t.Fatalf("list = %q", got)
	}

	b := dialSignal(t, ts.URL)
	if got := readText(t, b); got != "1" {
		t.Fatalf("second identity = %q, want 1", got)
	}
	if got := readText(t, b); got != DefaultChannels {
		t.Fatalf("list = %q", got)
	}
	// earlier sessions hear the list again so they can re-announce
	if got := readText(t, a); got != DefaultChannels {
		t.Fatalf("re-announced list = %q", got)
	}
}

func TestServerForwardsToOthersOnly(t *testing.T) {
	srv := NewServer("01|10", nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	a := dialSignal(t, ts.URL)
	readText(t, a)
	readText(t, a)
	b := dialSignal(t, ts.URL)
	readText(t, b)
	readText(t, b)
	readText(t, a)

	offer := `OFFER!01!{"type":"offer","sdp":"x"}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(offer)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readText(t, b); got != offer {
		t.Fatalf("forwarded %q, want %q", got, offer)
	}

	_ = a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := a.ReadMessage(); err == nil {
		t.Fatalf("sender received its own message %q", data)
	}
}

func TestServerSingleChannelStaysAList(t *testing.T) {
	srv := NewServer("01", nil, nil)
	msg := Parse(srv.Channels())
	if _, ok := msg.ChannelList(); !ok {
		t.Fatalf("single channel announced as %q", srv.Channels())
	}
}
