// Package capture runs the per-peer capture session: device warm-up, periodic
// capture, change detection, compression and hand-off to a Sink.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/internal/delta"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// State of a capture session
type State int32

const (
	Idle State = iota
	Connecting
	Capturing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is fixed for the lifetime of a session.
type Config struct {
	CaptureInterval   time.Duration
	RequestedSize     int
	Quality           int
	Delta             delta.Params
	WarmupDelay       time.Duration
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	// MinReadyWidth is the width the device must report before capture starts.
	// It is capped at RequestedSize.
	MinReadyWidth int
}

// DefaultConfig mirrors the values the game client shipped with.
func DefaultConfig() Config {
	return Config{
		CaptureInterval: 200 * time.Millisecond,
		RequestedSize:   64,
		Quality:         10,
		Delta: delta.Params{
			PixelDiffThreshold:        15,
			MinChangePercent:          2,
			MaxFramesBetweenKeyframes: 30,
			SampleStride:              delta.AutoStride,
		},
		WarmupDelay:       time.Second,
		ReadyTimeout:      5 * time.Second,
		ReadyPollInterval: 100 * time.Millisecond,
		MinReadyWidth:     100,
	}
}

// Stats is a point-in-time view of a session
type Stats struct {
	State             string  `json:"state"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	FramesCaptured    uint64  `json:"frames_captured"`
	FramesSent        uint64  `json:"frames_sent"`
	FramesUnchanged   uint64  `json:"frames_unchanged"`
	FramesSkipped     uint64  `json:"frames_skipped"`
	Errors            uint64  `json:"errors"`
	LastChangePercent float64 `json:"last_change_percent"`
}

// Option customises a Loop
type Option func(*Loop)

func WithLogger(l *logger.ModuleLogger) Option { return func(lp *Loop) { lp.log = l } }
func WithMetrics(m *metrics.Metrics) Option    { return func(lp *Loop) { lp.metrics = m } }
func WithPreview(p Preview) Option             { return func(lp *Loop) { lp.preview = p } }
func WithTicker(f TickerFunc) Option           { return func(lp *Loop) { lp.newTicker = f } }

// Loop is one capture session. Start and Stop may be called from any goroutine;
// ticks run sequentially on the loop's own goroutine.
type Loop struct {
	cfg       Config
	device    Device
	sink      Sink
	preview   Preview
	metrics   *metrics.Metrics
	log       *logger.ModuleLogger
	newTicker TickerFunc

	mu         sync.Mutex
	state      State
	connecting bool
	cancel     context.CancelFunc
	done       chan struct{}

	// owned by the loop goroutine
	current *types.Frame
	diff    *delta.Differencer

	width, height atomic.Int64
	captured      atomic.Uint64
	sent          atomic.Uint64
	unchanged     atomic.Uint64
	skipped       atomic.Uint64
	errors        atomic.Uint64
	lastChangeBP  atomic.Uint64
}

// New creates an idle capture session
func New(cfg Config, device Device, sink Sink, opts ...Option) *Loop {
	l := &Loop{
		cfg:       cfg,
		device:    device,
		sink:      sink,
		newTicker: NewTicker,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New()
	}
	if l.log == nil {
		l.log = logger.For("Capture")
	}
	return l
}

// Start moves an idle or stopped session to Connecting. It returns false and
// does nothing while the session is already connecting or capturing.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connecting || l.state == Capturing {
		l.log.Debug("Start ignored, session is %s", l.state)
		return false
	}

	if l.cancel != nil {
		l.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.connecting = true
	l.state = Connecting
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(runCtx, l.done)
	return true
}

// Stop cancels the pending tick, waits for the loop goroutine, releases the
// device and the buffers. No tick fires after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	if cancel == nil {
		if l.state == Idle {
			l.state = Stopped
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	cancel()
	<-done
}

// Done is closed when the current run has finished; nil before the first Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// State returns the session state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns counters for the session
func (l *Loop) Stats() Stats {
	return Stats{
		State:             l.State().String(),
		Width:             int(l.width.Load()),
		Height:            int(l.height.Load()),
		FramesCaptured:    l.captured.Load(),
		FramesSent:        l.sent.Load(),
		FramesUnchanged:   l.unchanged.Load(),
		FramesSkipped:     l.skipped.Load(),
		Errors:            l.errors.Load(),
		LastChangePercent: float64(l.lastChangeBP.Load()) / 100,
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.connecting = false
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.setState(Stopped)

	if err := l.device.Open(DeviceConfig{
		RequestedWidth:  l.cfg.RequestedSize,
		RequestedHeight: l.cfg.RequestedSize,
	}); err != nil {
		l.log.Warn("Device unavailable, not streaming: %v", err)
		return
	}
	defer l.release()

	width, height, ok := l.waitReady(ctx)
	if !ok {
		return
	}

	l.current = types.NewFrame(width, height)
	l.diff = delta.New(l.cfg.Delta, width, height)
	l.width.Store(int64(width))
	l.height.Store(int64(height))
	l.setState(Capturing)
	l.log.Info("Capturing %dx%d every %s (quality=%d, stride=%d)",
		width, height, l.cfg.CaptureInterval, codec.ClampQuality(l.cfg.Quality), l.cfg.Delta.StrideFor(width))

	ticker := l.newTicker(l.cfg.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// A tick may race with cancellation; never touch buffers after it.
			if ctx.Err() != nil {
				return
			}
			l.tick()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// waitReady implements the Connecting state: warm-up, then bounded polling.
func (l *Loop) waitReady(ctx context.Context) (int, int, bool) {
	if !sleepCtx(ctx, l.cfg.WarmupDelay) {
		return 0, 0, false
	}

	minWidth := l.cfg.MinReadyWidth
	if l.cfg.RequestedSize > 0 {
		minWidth = min(minWidth, l.cfg.RequestedSize)
	}
	poll := l.cfg.ReadyPollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.Now().Add(l.cfg.ReadyTimeout)

	for {
		if ok, w, _ := l.device.Ready(); ok && w >= minWidth {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		if !sleepCtx(ctx, poll) {
			return 0, 0, false
		}
	}

	ok, w, h := l.device.Ready()
	if !ok {
		l.log.Warn("Device not ready after %s, not streaming", l.cfg.ReadyTimeout)
		return 0, 0, false
	}
	if w <= 0 || h <= 0 {
		l.log.Info("Device reported no size, using requested %dx%d", l.cfg.RequestedSize, l.cfg.RequestedSize)
		w, h = l.cfg.RequestedSize, l.cfg.RequestedSize
	}
	return w, h, true
}

func (l *Loop) release() {
	if err := l.device.Close(); err != nil {
		l.log.Warn("Device close: %v", err)
	}
	l.current = nil
	if l.diff != nil {
		l.diff.Release()
		l.diff = nil
	}
}

// tick runs one capture, decide, maybe-send cycle. Failures are logged and the
// next tick retries.
func (l *Loop) tick() {
	defer func() {
		if r := recover(); r != nil {
			l.errors.Add(1)
			l.log.Error("Tick panic: %v", r)
		}
	}()

	if err := l.device.ReadPixels(l.current.Pix); err != nil {
		l.errors.Add(1)
		l.metrics.DeviceErrors.Add(1)
		l.log.Warn("Read pixels: %v", err)
		return
	}
	l.captured.Add(1)
	l.metrics.FramesCaptured.Add(1)

	dec := l.diff.Decide(l.current.Pix)
	l.lastChangeBP.Store(uint64(dec.ChangePercent * 100))
	l.metrics.UpdateChangePercent(dec.ChangePercent)

	if !dec.ShouldSend {
		l.diff.Skip()
		l.unchanged.Add(1)
		l.metrics.FramesUnchanged.Add(1)
		return
	}

	if !l.sink.Ready() {
		l.diff.Skip()
		l.skipped.Add(1)
		l.metrics.FramesSkipped.Add(1)
		return
	}

	start := time.Now()
	payload, err := codec.Encode(l.current, l.cfg.Quality)
	if err != nil {
		l.errors.Add(1)
		l.metrics.EncodeErrors.Add(1)
		l.log.Warn("Encode: %v", err)
		return
	}
	l.metrics.UpdateEncodeLatency(time.Since(start))

	if err := l.sink.SendFrame(payload); err != nil {
		l.diff.Skip()
		l.errors.Add(1)
		l.metrics.SendErrors.Add(1)
		l.log.Debug("Send: %v", err)
		return
	}

	l.diff.Commit(l.current.Pix)
	l.sent.Add(1)
	l.metrics.FramesSent.Add(1)
	l.metrics.BytesSent.Add(uint64(len(payload)))
	if dec.Keyframe && !dec.FirstFrame {
		l.metrics.Keyframes.Add(1)
	}
	if l.sent.Load()%100 == 0 {
		l.log.Debug("Sent %d frames (last %d bytes, change %.1f%%)", l.sent.Load(), len(payload), dec.ChangePercent)
	}

	if l.preview != nil {
		l.preview.ShowLocal(l.current)
	}
}
