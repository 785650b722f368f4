// Package dirwatch is a capture device fed by image files. Every JPEG or PNG
// written into the watched directory becomes the current frame, scaled to the
// requested size.
package dirwatch

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dj-oyu/rpg-video-relay/internal/capture"
	"github.com/dj-oyu/rpg-video-relay/internal/codec"
	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Device implements capture.Device.
type Device struct {
	dir string
	log *logger.ModuleLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	width   int
	height  int
	latest  *types.Frame
	loaded  uint64
	done    chan struct{}
}

// New watches dir once Open is called.
func New(dir string, log *logger.ModuleLogger) *Device {
	if log == nil {
		log = logger.For("DirWatch")
	}
	return &Device{dir: dir, log: log}
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func (d *Device) Open(cfg capture.DeviceConfig) error {
	if cfg.RequestedWidth <= 0 || cfg.RequestedHeight <= 0 {
		return fmt.Errorf("dirwatch: invalid size %dx%d", cfg.RequestedWidth, cfg.RequestedHeight)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("dirwatch: watch %s: %w", d.dir, err)
	}

	d.mu.Lock()
	d.watcher = watcher
	d.width = cfg.RequestedWidth
	d.height = cfg.RequestedHeight
	d.latest = nil
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	if newest := d.newestExisting(); newest != "" {
		d.load(newest)
	}
	go d.watch(watcher, done)
	d.log.Info("Watching %s for frames", d.dir)
	return nil
}

func (d *Device) newestExisting() string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(d.dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

func (d *Device) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isImage(event.Name) {
				continue
			}
			d.load(event.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("Watcher error: %v", err)
		}
	}
}

// load decodes path and makes it the current frame. Partially written files
// fail to decode and are skipped; the final write event loads them.
func (d *Device) load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.log.Debug("Read %s: %v", path, err)
		return
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		d.log.Debug("Decode %s: %v", path, err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return
	}
	d.latest = codec.Scale(codec.FromImage(img), d.width, d.height)
	d.loaded++
}

// Loaded returns how many images have become the current frame.
func (d *Device) Loaded() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) Ready() (bool, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return false, 0, 0
	}
	return true, d.latest.Width, d.latest.Height
}

func (d *Device) ReadPixels(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return capture.ErrDeviceNotReady
	}
	if len(buf) != len(d.latest.Pix) {
		return fmt.Errorf("dirwatch: buffer is %d bytes, want %d", len(buf), len(d.latest.Pix))
	}
	copy(buf, d.latest.Pix)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	w := d.watcher
	done := d.done
	d.watcher = nil
	d.latest = nil
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
