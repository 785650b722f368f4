// Package gstcam captures from a V4L2 webcam through a GStreamer pipeline:
//
//	v4l2src ! videoconvert ! videoscale ! video/x-raw,format=RGBA,width=W,height=H ! appsink
//
// The appsink keeps only the newest buffer; each sample replaces the frame
// ReadPixels copies from.
package gstcam

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
)

var initOnce sync.Once

// Device implements capture.Device.
type Device struct {
	devicePath string
	log        *logger.ModuleLogger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	width    int
	height   int
	latest   []byte

	samples atomic.Uint64
	short   atomic.Uint64
}

// New captures from devicePath (for example /dev/video0) once opened.
func New(devicePath string, log *logger.ModuleLogger) *Device {
	if log == nil {
		log = logger.For("GstCam")
	}
	return &Device{devicePath: devicePath, log: log}
}

func (d *Device) Open(cfg capture.DeviceConfig) error {
	if cfg.RequestedWidth <= 0 || cfg.RequestedHeight <= 0 {
		return fmt.Errorf("gstcam: invalid size %dx%d", cfg.RequestedWidth, cfg.RequestedHeight)
	}
	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstcam: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("gstcam: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.devicePath)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("gstcam: failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("gstcam: failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstcam: failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", cfg.RequestedWidth, cfg.RequestedHeight)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstcam: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("gstcam: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("gstcam: failed to link pipeline: %w", err)
	}

	want := cfg.RequestedWidth * cfg.RequestedHeight * 4
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return d.onSample(s, want)
		},
	})

	d.mu.Lock()
	d.pipeline = pipeline
	d.width = cfg.RequestedWidth
	d.height = cfg.RequestedHeight
	d.latest = nil
	d.mu.Unlock()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		d.Close()
		return fmt.Errorf("gstcam: failed to start pipeline: %w", err)
	}
	d.log.Info("Capturing %s at %dx%d", d.devicePath, cfg.RequestedWidth, cfg.RequestedHeight)
	return nil
}

// onSample copies the buffer out; GStreamer reuses it after Unmap.
func (d *Device) onSample(s *app.Sink, want int) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < want {
		buffer.Unmap()
		d.short.Add(1)
		return gst.FlowOK
	}
	frame := make([]byte, want)
	copy(frame, data)
	buffer.Unmap()

	d.mu.Lock()
	if d.pipeline != nil {
		d.latest = frame
	}
	d.mu.Unlock()
	if d.samples.Add(1) == 1 {
		d.log.Info("First sample from %s", d.devicePath)
	}
	return gst.FlowOK
}

func (d *Device) Ready() (bool, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return false, 0, 0
	}
	return true, d.width, d.height
}

func (d *Device) ReadPixels(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return capture.ErrDeviceNotReady
	}
	if len(buf) != len(d.latest) {
		return fmt.Errorf("gstcam: buffer is %d bytes, want %d", len(buf), len(d.latest))
	}
	copy(buf, d.latest)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.pipeline = nil
	d.latest = nil
	d.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	if short := d.short.Load(); short > 0 {
		d.log.Warn("%d samples smaller than the negotiated size were dropped", short)
	}
	return pipeline.SetState(gst.StateNull)
}
