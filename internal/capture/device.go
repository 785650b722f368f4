package capture

import (
	"errors"
	"time"

	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// ErrDeviceNotReady is returned by devices asked for pixels before they have any.
var ErrDeviceNotReady = errors.New("capture device not ready")

// DeviceConfig is the resolution a capture session asks the device for.
type DeviceConfig struct {
	RequestedWidth  int
	RequestedHeight int
}

// Device is a camera-like pixel source.
type Device interface {
	// Open starts the device. It may return before the device produces pixels.
	Open(cfg DeviceConfig) error
	// Ready reports whether the device is producing pixels and at what size.
	Ready() (ok bool, width, height int)
	// ReadPixels copies the latest image into buf as RGBA, scaled to the size
	// reported by Ready.
	ReadPixels(buf []byte) error
	Close() error
}

// Sink receives compressed frames from the loop.
type Sink interface {
	// Ready reports whether SendFrame can currently reach its destination.
	Ready() bool
	SendFrame(payload []byte) error
}

// Preview shows the local capture. Implementations must not retain frame.
type Preview interface {
	ShowLocal(frame *types.Frame)
}

// Ticker is a repeating timer that stops delivering once Stop returns.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
