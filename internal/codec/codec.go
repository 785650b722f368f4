// Package codec compresses RGBA frames to JPEG payloads and back.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // dirwatch snapshots may be PNG

	"golang.org/x/image/draw"

	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

const (
	MinQuality = 10
	MaxQuality = 90
)

// DecodeError reports a payload that is not a decodable image.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d-byte payload: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ClampQuality limits q to [MinQuality, MaxQuality].
func ClampQuality(q int) int {
	return min(max(q, MinQuality), MaxQuality)
}

// RGBA wraps the frame's pixels in an image.RGBA without copying.
func RGBA(f *types.Frame) *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Stride(),
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Encode compresses f as JPEG. Alpha is discarded.
func Encode(f *types.Frame, quality int) ([]byte, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("encode: empty frame")
	}
	if len(f.Pix) < f.Width*f.Height*4 {
		return nil, fmt.Errorf("encode: buffer holds %d bytes, need %d", len(f.Pix), f.Width*f.Height*4)
	}

	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height / 4)
	if err := jpeg.Encode(&buf, RGBA(f), &jpeg.Options{Quality: ClampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses an image payload into a new RGBA frame. An empty payload
// means no frame is available and yields (nil, nil).
func Decode(data []byte) (*types.Frame, error) {
	if len(data) == 0 {
		return nil, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Size: len(data), Err: err}
	}
	return FromImage(img), nil
}

// FromImage copies any image into a new RGBA frame.
func FromImage(img image.Image) *types.Frame {
	b := img.Bounds()
	f := types.NewFrame(b.Dx(), b.Dy())
	draw.Draw(RGBA(f), RGBA(f).Rect, img, b.Min, draw.Src)
	return f
}

// Scale resizes src to width x height with bilinear filtering.
func Scale(src *types.Frame, width, height int) *types.Frame {
	if src.Width == width && src.Height == height {
		dst := types.NewFrame(width, height)
		copy(dst.Pix, src.Pix)
		return dst
	}
	dst := types.NewFrame(width, height)
	ScaleInto(RGBA(dst), RGBA(dst).Rect, src)
	return dst
}

// ScaleInto draws src scaled into r of dst.
func ScaleInto(dst draw.Image, r image.Rectangle, src *types.Frame) {
	draw.BiLinear.Scale(dst, r, RGBA(src), RGBA(src).Rect, draw.Src, nil)
}
