// Package pattern is a synthetic capture device: a gradient background, a
// square that moves a few pixels per frame, and a text label.
package pattern

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
)

// Device implements capture.Device. With Speed 0 the image never changes.
type Device struct {
	Label string
	Speed int

	mu    sync.Mutex
	img   *image.RGBA
	open  bool
	frame int
}

// New returns a pattern labelled label whose square moves one pixel per read.
func New(label string) *Device {
	return &Device{Label: label, Speed: 1}
}

func (d *Device) Open(cfg capture.DeviceConfig) error {
	if cfg.RequestedWidth <= 0 || cfg.RequestedHeight <= 0 {
		return fmt.Errorf("pattern: invalid size %dx%d", cfg.RequestedWidth, cfg.RequestedHeight)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.img = image.NewRGBA(image.Rect(0, 0, cfg.RequestedWidth, cfg.RequestedHeight))
	d.open = true
	d.frame = 0
	return nil
}

func (d *Device) Ready() (bool, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false, 0, 0
	}
	b := d.img.Bounds()
	return true, b.Dx(), b.Dy()
}

func (d *Device) ReadPixels(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return capture.ErrDeviceNotReady
	}
	if len(buf) != len(d.img.Pix) {
		return fmt.Errorf("pattern: buffer is %d bytes, want %d", len(buf), len(d.img.Pix))
	}

	d.render()
	d.frame++
	copy(buf, d.img.Pix)
	return nil
}

func (d *Device) render() {
	b := d.img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d.img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 96,
				A: 255,
			})
		}
	}

	size := h / 4
	if size < 2 {
		size = 2
	}
	x0 := 0
	if w > size {
		x0 = (d.frame * d.Speed) % (w - size)
	}
	y0 := (h - size) / 2
	draw.Draw(d.img, image.Rect(x0, y0, x0+size, y0+size), image.White, image.Point{}, draw.Src)

	if d.Label != "" {
		drawer := font.Drawer{
			Dst:  d.img,
			Src:  image.NewUniform(color.Black),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(2, 11),
		}
		drawer.DrawString(d.Label)
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.img = nil
	return nil
}
