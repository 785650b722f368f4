package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rpg-video-relay/internal/logger"
	"github.com/dj-oyu/rpg-video-relay/internal/signalling"
)

// VideoChannel is the label of the data channel frames travel on.
const VideoChannel = "video"

// ErrChannelNotOpen is returned when sending before the data channel opens.
var ErrChannelNotOpen = errors.New("webrtc: data channel not open")

// Factory creates pion peer connections for the signalling client.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *logger.ModuleLogger
}

// NewFactory builds a factory using the given STUN servers, or a public default
// when none are given.
func NewFactory(stunServers []string, log *logger.ModuleLogger) *Factory {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if log == nil {
		log = logger.For("WebRTC")
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Error("Failed to register codecs: %v", err)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
		log:    log,
	}
}

// Session wraps one peer connection. Outbound sessions own the video data
// channel; inbound sessions accept it from the remote side.
type Session struct {
	id       string
	pc       *webrtc.PeerConnection
	outbound bool
	ev       signalling.SessionEvents
	log      *logger.ModuleLogger

	mu sync.Mutex
	dc *webrtc.DataChannel

	connected  atomic.Bool
	framesSent atomic.Uint64
	sendErrors atomic.Uint64
}

var sessionSeq atomic.Uint64

// NewSession implements signalling.SessionFactory.
func (f *Factory) NewSession(outbound bool, ev signalling.SessionEvents) (signalling.Session, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	dir := "in"
	if outbound {
		dir = "out"
	}
	s := &Session{
		id:       fmt.Sprintf("%s-%d", dir, sessionSeq.Add(1)),
		pc:       pc,
		outbound: outbound,
		ev:       ev,
		log:      f.log,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || !outbound || ev.OnCandidate == nil {
			return
		}
		ev.OnCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Session %s connection state: %s", s.id, state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !outbound {
				s.markConnected()
			}
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			s.markDisconnected()
		}
	})

	if outbound {
		dc, err := pc.CreateDataChannel(VideoChannel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		dc.OnOpen(s.markConnected)
		dc.OnClose(s.markDisconnected)
		s.dc = dc
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != VideoChannel {
				s.log.Debug("Session %s ignoring data channel %q", s.id, dc.Label())
				return
			}
			s.mu.Lock()
			s.dc = dc
			s.mu.Unlock()
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if ev.OnMessage != nil {
					ev.OnMessage(msg.Data)
				}
			})
		})
	}
	return s, nil
}

func (s *Session) markConnected() {
	if s.connected.CompareAndSwap(false, true) && s.ev.OnConnected != nil {
		s.log.Info("Session %s connected", s.id)
		s.ev.OnConnected()
	}
}

func (s *Session) markDisconnected() {
	if s.connected.CompareAndSwap(true, false) && s.ev.OnDisconnected != nil {
		s.log.Info("Session %s lost (sent: %d, errors: %d)", s.id, s.framesSent.Load(), s.sendErrors.Load())
		s.ev.OnDisconnected()
	}
}

// CreateOffer implements signalling.Session.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// SetRemoteDescription implements signalling.Session.
func (s *Session) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer implements signalling.Session. The returned description embeds
// every gathered candidate.
func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	s.log.Debug("ICE gathering complete for session %s", s.id)

	local := s.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description available")
	}
	return *local, nil
}

// AddICECandidate implements signalling.Session.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

// Send implements signalling.Session.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	if err := dc.Send(payload); err != nil {
		s.sendErrors.Add(1)
		return err
	}
	s.framesSent.Add(1)
	return nil
}

// Close implements signalling.Session.
func (s *Session) Close() error {
	return s.pc.Close()
}
