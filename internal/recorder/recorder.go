// Package recorder writes relayed frames to disk so a session can be replayed.
//
// A recording is the 8-byte magic "VRELAY01" followed by a CBOR sequence of
// Record values.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

// Magic starts every recording file.
const Magic = "VRELAY01"

// FileExt is the extension of recording files.
const FileExt = ".vrec"

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrBadMagic         = errors.New("not a relay recording")
)

// Record is one relayed frame.
type Record struct {
	Time   int64        `cbor:"t"`
	Sender types.PeerID `cbor:"sender"`
	JPEG   []byte       `cbor:"jpeg"`
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// Recorder records relayed frames to file. It implements relay.FrameRecorder.
type Recorder struct {
	basePath string
	metrics  *metrics.Metrics
	log      *logger.ModuleLogger

	mu         sync.RWMutex
	file       *os.File
	buf        *bufio.Writer
	counter    *countingWriter
	enc        *cbor.Encoder
	id         string
	filename   string
	recording  bool
	frameCount uint64
	startTime  time.Time
	frameChan  chan types.RelayFrame
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewRecorder creates a recorder writing into basePath.
func NewRecorder(basePath string, m *metrics.Metrics, log *logger.ModuleLogger) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.For("Recorder")
	}
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		log:      log,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	filename := fmt.Sprintf("recording_%s%s", time.Now().Format("20060102_150405"), FileExt)
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.buf = bufio.NewWriter(file)
	r.counter = &countingWriter{w: r.buf}
	if _, err := io.WriteString(r.counter, Magic); err != nil {
		file.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}

	r.file = file
	r.enc = cbor.NewEncoder(r.counter)
	r.id = uuid.NewString()
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.startTime = time.Now()
	r.frameChan = make(chan types.RelayFrame, 60)
	r.stopChan = make(chan struct{})
	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingBytes.Store(r.counter.n)
	r.metrics.RecordingFrames.Store(0)

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	r.log.Info("Recording %s started (%s)", filename, r.id)
	return nil
}

// Stop stops recording and closes the file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.RecordingActive.Store(0)

	if r.file == nil {
		return nil
	}
	file := r.file
	r.file = nil
	if err := r.buf.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	r.log.Info("Recording %s stopped (%d frames, %d bytes)", r.filename, r.frameCount, r.counter.n)
	return nil
}

// SendFrame queues a frame for writing without blocking. It returns false when
// not recording or when the queue is full.
func (r *Recorder) SendFrame(frame types.RelayFrame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.recording {
		return false
	}
	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeFrames(frames <-chan types.RelayFrame, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame types.RelayFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := r.enc.Encode(Record{Time: ts.UnixNano(), Sender: frame.Sender, JPEG: frame.Payload}); err != nil {
		r.log.Warn("Write failed: %v", err)
		return
	}
	r.frameCount++
	r.metrics.RecordingFrames.Store(r.frameCount)
	r.metrics.RecordingBytes.Store(r.counter.n)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	var written uint64
	if r.counter != nil {
		written = r.counter.n
	}
	return RecordingStatus{
		ID:           r.id,
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: written,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any recording in progress.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	ID           string    `json:"id,omitempty"`
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}

// Reader iterates over the records of a recording.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader checks the magic and positions r at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, ErrBadMagic
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}
	return &Reader{dec: cbor.NewDecoder(br)}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
