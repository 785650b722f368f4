package types

import (
	"strconv"
	"time"
)

// PeerID identifies a peer on the frame relay. The authority assigns it when the
// peer's connection is accepted; it stays valid for that connection's lifetime.
type PeerID uint64

// String returns the decimal form used in logs, URLs and signalling channel IDs.
func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePeerID parses the decimal form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return PeerID(n), nil
}

// Frame is an RGBA pixel buffer (4 interleaved 8-bit channels per pixel)
type Frame struct {
	Width  int
	Height int
	Pix    []byte // len == Width*Height*4
}

// NewFrame allocates a zeroed frame
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * 4
}

// RelayFrame is a compressed payload travelling one relay hop
type RelayFrame struct {
	Sender    PeerID    // Originating peer
	Payload   []byte    // JPEG data
	Timestamp time.Time // Time the authority received it
}

// Resolution is a requested capture size
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}
