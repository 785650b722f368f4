// Package delta decides whether a captured frame differs enough from the last
// sent frame to be worth transmitting.
package delta

import "math"

// AutoStride selects max(1, min(8, width/8)) as the sampling stride.
const AutoStride = 0

// Params configures change detection for one capture session.
type Params struct {
	// PixelDiffThreshold is the per-channel difference (0-255) a pixel must exceed
	// on R, G or B to count as changed.
	PixelDiffThreshold int
	// MinChangePercent is the share of changed pixels (0-100) that triggers a send.
	MinChangePercent float64
	// MaxFramesBetweenKeyframes forces a send after this many skipped frames.
	MaxFramesBetweenKeyframes int
	// SampleStride examines every Nth pixel on both axes. 1 scans every pixel,
	// AutoStride derives the stride from the frame width.
	SampleStride int
}

// Measurement is the outcome of comparing two buffers.
type Measurement struct {
	Changed       int
	Population    int
	ChangePercent float64
	Stride        int
	EarlyExit     bool
}

// Decision is a Measurement plus the send verdict and the reason for it.
type Decision struct {
	Measurement
	ShouldSend bool
	FirstFrame bool
	Keyframe   bool
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func pixelChanged(cur, prev []byte, i, threshold int) bool {
	return absDiff(cur[i], prev[i]) > threshold ||
		absDiff(cur[i+1], prev[i+1]) > threshold ||
		absDiff(cur[i+2], prev[i+2]) > threshold
}

// ChangedPixels counts RGBA pixels where any of R, G or B differ by more than
// threshold. Alpha is ignored.
func ChangedPixels(cur, prev []byte, threshold int) int {
	n := min(len(cur), len(prev)) / 4 * 4
	changed := 0
	for i := 0; i < n; i += 4 {
		if pixelChanged(cur, prev, i, threshold) {
			changed++
		}
	}
	return changed
}

// StrideFor resolves the stride that Measure will use for a frame width.
func (p Params) StrideFor(width int) int {
	if p.SampleStride > 0 {
		return p.SampleStride
	}
	return max(1, min(8, width/8))
}

// Measure compares cur with prev (both width*height RGBA). With a stride above 1
// only the sampled grid is examined, and the scan returns as soon as the changed
// count proves MinChangePercent against the sampled population. The percentage
// reported after an early exit is therefore a lower bound.
func (p Params) Measure(cur, prev []byte, width, height int) Measurement {
	stride := p.StrideFor(width)
	if stride == 1 {
		total := width * height
		changed := ChangedPixels(cur[:total*4], prev[:total*4], p.PixelDiffThreshold)
		return Measurement{
			Changed:       changed,
			Population:    total,
			ChangePercent: percent(changed, total),
			Stride:        1,
		}
	}

	cols := (width + stride - 1) / stride
	rows := (height + stride - 1) / stride
	population := cols * rows
	required := int(math.Ceil(p.MinChangePercent / 100 * float64(population)))
	rowBytes := width * 4

	m := Measurement{Population: population, Stride: stride}
	for y := 0; y < height; y += stride {
		base := y * rowBytes
		for x := 0; x < width; x += stride {
			if !pixelChanged(cur, prev, base+x*4, p.PixelDiffThreshold) {
				continue
			}
			m.Changed++
			if required > 0 && m.Changed >= required {
				m.EarlyExit = true
				m.ChangePercent = percent(m.Changed, population)
				return m
			}
		}
	}
	m.ChangePercent = percent(m.Changed, population)
	return m
}

func percent(changed, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(changed) / float64(total)
}

// Differencer owns the previous buffer and the keyframe counters of one capture
// session. It is not safe for concurrent use; the capture loop is its only caller.
type Differencer struct {
	params              Params
	width, height       int
	previous            []byte
	framesSinceLastSend int
	firstFrameSent      bool
}

// New returns a Differencer sized for width x height.
func New(params Params, width, height int) *Differencer {
	d := &Differencer{params: params}
	d.Reset(width, height)
	return d
}

// Reset reallocates the previous buffer and forces a keyframe on the next frame.
func (d *Differencer) Reset(width, height int) {
	d.width = width
	d.height = height
	d.previous = make([]byte, width*height*4)
	d.framesSinceLastSend = d.params.MaxFramesBetweenKeyframes
	d.firstFrameSent = false
}

// Release drops the previous buffer.
func (d *Differencer) Release() {
	d.previous = nil
}

// Decide measures cur against the last committed frame. It does not change state;
// call Commit after a successful send or Skip otherwise.
func (d *Differencer) Decide(cur []byte) Decision {
	dec := Decision{
		FirstFrame: !d.firstFrameSent,
		Keyframe:   d.framesSinceLastSend >= d.params.MaxFramesBetweenKeyframes,
	}
	if d.firstFrameSent {
		dec.Measurement = d.params.Measure(cur, d.previous, d.width, d.height)
	}
	changed := dec.Changed > 0 && dec.ChangePercent >= d.params.MinChangePercent
	dec.ShouldSend = dec.FirstFrame || dec.Keyframe || changed
	return dec
}

// Commit records cur as the last sent frame.
func (d *Differencer) Commit(cur []byte) {
	copy(d.previous, cur)
	d.framesSinceLastSend = 0
	d.firstFrameSent = true
}

// Skip records that the current frame was not sent.
func (d *Differencer) Skip() {
	d.framesSinceLastSend++
}

// FramesSinceLastSend reports the keyframe counter.
func (d *Differencer) FramesSinceLastSend() int {
	return d.framesSinceLastSend
}

// FirstFrameSent reports whether any frame has been committed since Reset.
func (d *Differencer) FirstFrameSent() bool {
	return d.firstFrameSent
}

// Previous exposes the last committed buffer (read-only).
func (d *Differencer) Previous() []byte {
	return d.previous
}
