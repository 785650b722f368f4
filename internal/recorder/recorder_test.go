package recorder

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dj-oyu/rpg-video-relay/internal/metrics"
	"github.com/dj-oyu/rpg-video-relay/pkg/types"
)

func TestRecordAndReadBack(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	r := NewRecorder(dir, m, nil)

	if r.SendFrame(types.RelayFrame{Sender: 1, Payload: []byte{1}}) {
		t.Fatalf("frame accepted while not recording")
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start err = %v", err)
	}
	if m.RecordingActive.Load() != 1 {
		t.Fatalf("recording gauge not set")
	}

	base := time.Unix(1700000000, 0)
	frames := []types.RelayFrame{
		{Sender: 1, Payload: []byte("first"), Timestamp: base},
		{Sender: 2, Payload: []byte("second"), Timestamp: base.Add(time.Second)},
		{Sender: 1, Payload: []byte("third"), Timestamp: base.Add(2 * time.Second)},
	}
	for _, f := range frames {
		if !r.SendFrame(f) {
			t.Fatalf("frame dropped")
		}
	}
	status := r.GetStatus()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Stop err = %v", err)
	}

	final := r.GetStatus()
	if final.FrameCount != 3 || final.Recording || status.ID == "" {
		t.Fatalf("status = %+v", final)
	}
	if m.RecordingFrames.Load() != 3 || m.RecordingActive.Load() != 0 {
		t.Fatalf("metrics = %d frames, active %d", m.RecordingFrames.Load(), m.RecordingActive.Load())
	}

	f, err := os.Open(filepath.Join(dir, final.Filename))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	info, _ := f.Stat()
	if uint64(info.Size()) != final.BytesWritten {
		t.Fatalf("file is %d bytes, status says %d", info.Size(), final.BytesWritten)
	}

	rd, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	for i, want := range frames {
		rec, err := rd.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if rec.Sender != want.Sender || string(rec.JPEG) != string(want.Payload) || rec.Time != want.Timestamp.UnixNano() {
			t.Fatalf("record %d = %+v", i, rec)
		}
	}
	if _, err := rd.Next(); err != io.EOF {
		t.Fatalf("after last record err = %v, want io.EOF", err)
	}
}

func TestReaderRejectsOtherFiles(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("NOTAREC0 payload"))); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewReader(bytes.NewReader([]byte("VR"))); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("short file err = %v", err)
	}
}

func TestStartFailsOnMissingDirectory(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "missing"), nil, nil)
	if err := r.Start(); err == nil {
		t.Fatalf("Start succeeded")
	}
	if r.IsRecording() {
		t.Fatalf("recording after failed Start")
	}
}
