package dirwatch

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
)

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()
	// rename so the watcher never sees a half-written file
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestLoadsExistingAndNewImages(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "first.png"), color.RGBA{R: 255, A: 255})

	d := New(dir, nil)
	if err := d.Open(capture.DeviceConfig{RequestedWidth: 16, RequestedHeight: 16}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	ok, w, h := d.Ready()
	if !ok || w != 16 || h != 16 {
		t.Fatalf("Ready() = %v %d %d", ok, w, h)
	}
	buf := make([]byte, 16*16*4)
	if err := d.ReadPixels(buf); err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	if buf[0] < 200 || buf[2] > 50 {
		t.Fatalf("first pixel = %v, want red", buf[:4])
	}

	before := d.Loaded()
	writePNG(t, filepath.Join(dir, "second.png"), color.RGBA{B: 255, A: 255})
	deadline := time.Now().Add(3 * time.Second)
	for d.Loaded() == before {
		if time.Now().After(deadline) {
			t.Fatalf("new image not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := d.ReadPixels(buf); err != nil {
		t.Fatalf("ReadPixels: %v", err)
	}
	if buf[2] < 200 || buf[0] > 50 {
		t.Fatalf("first pixel = %v, want blue", buf[:4])
	}
}

func TestNotReadyWithoutImages(t *testing.T) {
	d := New(t.TempDir(), nil)
	if err := d.Open(capture.DeviceConfig{RequestedWidth: 8, RequestedHeight: 8}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if ok, _, _ := d.Ready(); ok {
		t.Fatalf("ready with an empty directory")
	}
	if err := d.ReadPixels(make([]byte, 8*8*4)); err != capture.ErrDeviceNotReady {
		t.Fatalf("ReadPixels err = %v", err)
	}
}

func TestOpenMissingDirectory(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing"), nil)
	if err := d.Open(capture.DeviceConfig{RequestedWidth: 8, RequestedHeight: 8}); err == nil {
		t.Fatalf("Open succeeded on a missing directory")
	}
}
