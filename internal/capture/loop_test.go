package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/internal/delta"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

type fakeDevice struct {
	mu        sync.Mutex
	openErr   error
	ready     bool
	width     int
	height    int
	fill      func(n int, buf []byte)
	failReads int
	reads     int
	closed    bool
}

func (d *fakeDevice) Open(DeviceConfig) error { return d.openErr }

func (d *fakeDevice) Ready() (bool, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready, d.width, d.height
}

func (d *fakeDevice) ReadPixels(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.failReads > 0 {
		d.failReads--
		return errors.New("device hiccup")
	}
	if d.fill != nil {
		d.fill(d.reads, buf)
	}
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeSink struct {
	ready    atomic.Bool
	mu       sync.Mutex
	payloads [][]byte
}

func newSink(ready bool) *fakeSink {
	s := &fakeSink{}
	s.ready.Store(ready)
	return s
}

func (s *fakeSink) Ready() bool { return s.ready.Load() }

func (s *fakeSink) SendFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not accept tick")
	}
}

type recordingPreview struct {
	shown atomic.Int32
}

func (p *recordingPreview) ShowLocal(*types.Frame) { p.shown.Add(1) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestedSize = 16
	cfg.WarmupDelay = 0
	cfg.ReadyTimeout = 50 * time.Millisecond
	cfg.ReadyPollInterval = 5 * time.Millisecond
	cfg.Quality = 50
	cfg.Delta = delta.Params{
		PixelDiffThreshold:        15,
		MinChangePercent:          2,
		MaxFramesBetweenKeyframes: 30,
		SampleStride:              1,
	}
	return cfg
}

func readyDevice(w, h int) *fakeDevice {
	return &fakeDevice{ready: true, width: w, height: h}
}

func startCapturing(t *testing.T, l *Loop) {
	t.Helper()
	if !l.Start(context.Background()) {
		t.Fatalf("Start returned false")
	}
	deadline := time.Now().Add(2 * time.Second)
	for l.State() != Capturing {
		if time.Now().After(deadline) {
			t.Fatalf("loop never reached capturing (state=%s)", l.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func newManualLoop(cfg Config, dev Device, sink Sink, opts ...Option) (*Loop, *manualTicker) {
	tk := &manualTicker{ch: make(chan time.Time)}
	opts = append(opts, WithTicker(func(time.Duration) Ticker { return tk }))
	return New(cfg, dev, sink, opts...), tk
}

func TestSecondStartIgnoredWhileConnecting(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = time.Minute
	dev := &fakeDevice{}
	l := New(cfg, dev, newSink(true))

	if !l.Start(context.Background()) {
		t.Fatalf("first Start refused")
	}
	if l.State() != Connecting {
		t.Fatalf("state = %s, want connecting", l.State())
	}
	if l.Start(context.Background()) {
		t.Fatalf("second Start accepted while connecting")
	}
	l.Stop()
	if l.State() != Stopped {
		t.Fatalf("state after Stop = %s", l.State())
	}
	if !dev.isClosed() {
		t.Fatalf("device not released")
	}
}

func TestReadyTimeoutStopsSilently(t *testing.T) {
	dev := &fakeDevice{}
	sink := newSink(true)
	l := New(testConfig(), dev, sink)
	l.Start(context.Background())

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not give up on an unready device")
	}
	if l.State() != Stopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}
	if sink.count() != 0 {
		t.Fatalf("frames sent from an unready device")
	}
	if !dev.isClosed() {
		t.Fatalf("device not closed")
	}
}

func TestOpenFailureStops(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("no camera")}
	l := New(testConfig(), dev, newSink(true))
	l.Start(context.Background())
	<-l.Done()
	if l.State() != Stopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}
}

func TestFallsBackToRequestedSize(t *testing.T) {
	dev := readyDevice(0, 0)
	l, _ := newManualLoop(testConfig(), dev, newSink(true))
	startCapturing(t, l)
	defer l.Stop()

	st := l.Stats()
	if st.Width != 16 || st.Height != 16 {
		t.Fatalf("size = %dx%d, want requested 16x16", st.Width, st.Height)
	}
}

func TestUsesDeviceResolution(t *testing.T) {
	dev := readyDevice(40, 30)
	l, _ := newManualLoop(testConfig(), dev, newSink(true))
	startCapturing(t, l)
	defer l.Stop()

	if st := l.Stats(); st.Width != 40 || st.Height != 30 {
		t.Fatalf("size = %dx%d, want 40x30", st.Width, st.Height)
	}
}

func TestStaticSceneSendsOnlyFirstFrame(t *testing.T) {
	dev := readyDevice(16, 16)
	dev.fill = func(_ int, buf []byte) {
		for i := range buf {
			buf[i] = 90
		}
	}
	sink := newSink(true)
	preview := &recordingPreview{}
	l, tk := newManualLoop(testConfig(), dev, sink, WithPreview(preview))
	startCapturing(t, l)

	for i := 0; i < 4; i++ {
		tk.tick(t)
	}
	l.Stop()

	if sink.count() != 1 {
		t.Fatalf("sent %d frames, want 1", sink.count())
	}
	st := l.Stats()
	if st.FramesCaptured != 4 || st.FramesUnchanged != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if preview.shown.Load() != 1 {
		t.Fatalf("preview shown %d times, want 1", preview.shown.Load())
	}
	f, err := codec.Decode(sink.payloads[0])
	if err != nil || f.Width != 16 || f.Height != 16 {
		t.Fatalf("payload is not a 16x16 image: %v", err)
	}
}

func TestChangingSceneSendsEveryFrame(t *testing.T) {
	dev := readyDevice(16, 16)
	dev.fill = func(n int, buf []byte) {
		v := byte(0)
		if n%2 == 0 {
			v = 255
		}
		for i := range buf {
			buf[i] = v
		}
	}
	sink := newSink(true)
	l, tk := newManualLoop(testConfig(), dev, sink)
	startCapturing(t, l)
	for i := 0; i < 5; i++ {
		tk.tick(t)
	}
	l.Stop()

	if sink.count() != 5 {
		t.Fatalf("sent %d frames, want 5", sink.count())
	}
}

func TestUnreachableSinkSkipsWithoutBacklog(t *testing.T) {
	dev := readyDevice(16, 16)
	sink := newSink(false)
	l, tk := newManualLoop(testConfig(), dev, sink)
	startCapturing(t, l)

	tk.tick(t)
	tk.tick(t)
	sink.ready.Store(true)
	tk.tick(t)
	tk.tick(t)
	l.Stop()

	if sink.count() != 1 {
		t.Fatalf("sent %d frames, want 1 (no backlog replay)", sink.count())
	}
	if st := l.Stats(); st.FramesSkipped != 2 {
		t.Fatalf("skipped = %d, want 2", st.FramesSkipped)
	}
}

func TestReadErrorsDoNotStopLoop(t *testing.T) {
	dev := readyDevice(16, 16)
	dev.failReads = 2
	sink := newSink(true)
	l, tk := newManualLoop(testConfig(), dev, sink)
	startCapturing(t, l)

	for i := 0; i < 3; i++ {
		tk.tick(t)
	}
	if l.State() != Capturing {
		t.Fatalf("loop left capturing after read errors: %s", l.State())
	}
	l.Stop()

	st := l.Stats()
	if st.Errors != 2 || sink.count() != 1 {
		t.Fatalf("errors=%d sent=%d, want 2 and 1", st.Errors, sink.count())
	}
}

func TestStopCancelsPendingTicks(t *testing.T) {
	dev := readyDevice(16, 16)
	l, tk := newManualLoop(testConfig(), dev, newSink(true))
	startCapturing(t, l)
	l.Stop()

	if !tk.stopped.Load() {
		t.Fatalf("ticker not stopped")
	}
	if !dev.isClosed() {
		t.Fatalf("device not closed")
	}
	select {
	case tk.ch <- time.Now():
		t.Fatalf("a tick was consumed after Stop")
	case <-time.After(20 * time.Millisecond):
	}
	if l.current != nil || l.diff != nil {
		t.Fatalf("buffers not released")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	dev := readyDevice(16, 16)
	l, _ := newManualLoop(testConfig(), dev, newSink(true))
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop ignored context cancellation")
	}
	if l.State() != Stopped {
		t.Fatalf("state = %s", l.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	dev := readyDevice(16, 16)
	l, _ := newManualLoop(testConfig(), dev, newSink(true))
	startCapturing(t, l)
	l.Stop()
	startCapturing(t, l)
	l.Stop()
}
