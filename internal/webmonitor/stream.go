package webmonitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var blankOnce = sync.OnceValues(renderBlankJPEG)

func blankJPEG() ([]byte, error) {
	return blankOnce()
}

// renderBlankJPEG draws the "no signal" card shown while a feed is silent.
func renderBlankJPEG() ([]byte, error) {
	const width, height = 320, 240
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	bars := []color.RGBA{
		{R: 192, G: 192, B: 192, A: 255},
		{R: 192, G: 192, B: 0, A: 255},
		{R: 0, G: 192, B: 192, A: 255},
		{R: 0, G: 192, B: 0, A: 255},
		{R: 192, G: 0, B: 192, A: 255},
		{R: 192, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 192, A: 255},
	}
	barWidth := width / len(bars)
	for i, c := range bars {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height)
		if i == len(bars)-1 {
			r.Max.X = width
		}
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}

	banner := image.Rect(0, height/2-12, width, height/2+12)
	draw.Draw(img, banner, image.NewUniform(color.Black), image.Point{}, draw.Src)
	const text = "NO SIGNAL"
	drawer := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P((width-len(text)*7)/2, height/2+5),
	}
	drawer.DrawString(text)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// streamMJPEGFromChannel streams MJPEG from a broadcaster channel. When no frame
// arrives for blankAfter, the colour bars are sent to keep the connection alive.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte, blankAfter time.Duration, log *logger.ModuleLogger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(blankAfter):
			jpegData = blank
		}

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			log.Debug("Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			log.Debug("Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			log.Debug("Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}

// streamStatusEvents sends status() as an SSE event every interval.
func streamStatusEvents(w http.ResponseWriter, r *http.Request, interval time.Duration, status func() any, log *logger.ModuleLogger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, status()); err != nil {
			log.Debug("Client disconnected during status event write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
