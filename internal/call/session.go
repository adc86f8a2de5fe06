package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// ConnState is the session's connectivity, reduced to what the engine acts on.
type ConnState string

const (
	ConnChecking     ConnState = "checking"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// SessionConfig wires one Session to the engine.
type SessionConfig struct {
	Tag        string // log tag, usually the conversation id
	Video      bool
	ICEServers []string

	// OnLocalCandidate receives each gathered candidate serialized as an
	// ICECandidateInit JSON object. Called from pion goroutines.
	OnLocalCandidate func(candidate string)

	// OnConnectivity receives connection state changes. Called from pion
	// goroutines.
	OnConnectivity func(ConnState)
}

// Session owns one peer connection: description exchange, candidate
// plumbing, and pumping remote RTP into a MediaFeed for the viewer.
type Session struct {
	cfg SessionConfig
	pc  *webrtc.PeerConnection

	remoteFeed *MediaFeed
	selfView   *MediaFeed

	mu        sync.Mutex
	remoteSet bool
	closed    bool
	// original sender tracks, kept for un-mute via ReplaceTrack
	savedTracks map[webrtc.RTPCodecType]webrtc.TrackLocal

	done chan struct{}
}

const (
	// Generous ICE timeouts so a brief NAT hiccup doesn't kill the call:
	// the default disconnected timeout of 5s is far too twitchy for
	// consumer networks.
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second

	// Keyframe request cadence for the remote video track, so viewer
	// subscribers that join late recover quickly.
	pliInterval = 3 * time.Second
)

// NewSession builds the peer connection. media may be nil (receive-only);
// otherwise its tracks are attached and its codecs registered.
func NewSession(cfg SessionConfig, media MediaHandle) (*Session, error) {
	s := &Session{
		cfg:         cfg,
		remoteFeed:  NewMediaFeed(cfg.Tag, cfg.Video),
		savedTracks: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		done:        make(chan struct{}),
	}

	src, hasTracks := media.(trackSource)

	mediaEngine := &webrtc.MediaEngine{}
	if hasTracks {
		if err := src.populateEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s.pc = pc

	if hasTracks {
		selfView, err := src.addTracks(cfg.Tag, pc)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		s.selfView = selfView
		for _, sender := range pc.GetSenders() {
			if t := sender.Track(); t != nil {
				s.savedTracks[t.Kind()] = t
			}
		}
	} else {
		if err := addRecvOnlyTransceivers(pc); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add transceivers: %w", err)
		}
		log.Printf("CALL [%s]: session is receive-only (no local media)", cfg.Tag)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cfg.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		b, err := json.Marshal(init)
		if err != nil {
			log.Printf("CALL [%s]: encode candidate: %v", cfg.Tag, err)
			return
		}
		cfg.OnLocalCandidate(string(b))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", cfg.Tag, state)
		if cfg.OnConnectivity == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			cfg.OnConnectivity(ConnChecking)
		case webrtc.PeerConnectionStateConnected:
			cfg.OnConnectivity(ConnConnected)
		case webrtc.PeerConnectionStateDisconnected:
			cfg.OnConnectivity(ConnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			cfg.OnConnectivity(ConnFailed)
		case webrtc.PeerConnectionStateClosed:
			cfg.OnConnectivity(ConnClosed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		switch track.Codec().MimeType {
		case webrtc.MimeTypeVP8:
			go s.pumpRemoteVideo(track)
		case webrtc.MimeTypeOpus:
			s.remoteFeed.EnableAudio()
			go s.pumpRemoteAudio(track)
		default:
			log.Printf("CALL [%s]: ignoring remote track %s", cfg.Tag, track.Codec().MimeType)
		}
	})

	return s, nil
}

// RemoteFeed streams the remote party's media as WebM.
func (s *Session) RemoteFeed() *MediaFeed { return s.remoteFeed }

// SelfView streams the local camera preview as WebM; nil without video capture.
func (s *Session) SelfView() *MediaFeed { return s.selfView }

// CreateOffer generates the offer and sets it as the local description.
func (s *Session) CreateOffer(_ context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer generates the answer and sets it as the local description.
// The remote offer must have been applied first.
func (s *Session) CreateAnswer(_ context.Context) (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer applies the remote offer. A second remote description for
// the same negotiation is ignored (duplicate delivery from the signal channel).
func (s *Session) SetRemoteOffer(sdp string) error {
	return s.setRemote(webrtc.SDPTypeOffer, sdp)
}

// SetRemoteAnswer applies the remote answer; duplicates are ignored.
func (s *Session) SetRemoteAnswer(sdp string) error {
	return s.setRemote(webrtc.SDPTypeAnswer, sdp)
}

func (s *Session) setRemote(typ webrtc.SDPType, sdp string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.remoteSet {
		s.mu.Unlock()
		log.Printf("CALL [%s]: duplicate remote %s ignored", s.cfg.Tag, typ)
		return nil
	}
	s.mu.Unlock()

	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	return nil
}

// AddRemoteCandidate feeds one trickled candidate to ICE. Candidates that
// arrive before the remote description are dropped (logged, non-fatal) —
// live negotiation keeps emitting fresh ones, so the next candidate event
// re-delivers the connectivity state.
func (s *Session) AddRemoteCandidate(candidate string) {
	s.mu.Lock()
	ready := s.remoteSet && !s.closed
	s.mu.Unlock()
	if !ready {
		log.Printf("CALL [%s]: dropping early candidate (no remote description yet)", s.cfg.Tag)
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		log.Printf("CALL [%s]: bad candidate payload: %v", s.cfg.Tag, err)
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.cfg.Tag, err)
	}
}

// SetTrackEnabled implements mute / video-off without renegotiation: the
// sender stays in place and its track is swapped out for nil (and back).
func (s *Session) SetTrackEnabled(video bool, enabled bool) {
	kind := webrtc.RTPCodecTypeAudio
	if video {
		kind = webrtc.RTPCodecTypeVideo
	}

	s.mu.Lock()
	saved := s.savedTracks[kind]
	closed := s.closed
	s.mu.Unlock()
	if closed || saved == nil {
		return
	}

	for _, sender := range s.pc.GetSenders() {
		t := sender.Track()
		if enabled {
			// Only refill senders left empty by a previous disable.
			if t == nil {
				if err := sender.ReplaceTrack(saved); err != nil {
					log.Printf("CALL [%s]: enable %s: %v", s.cfg.Tag, kind, err)
				}
			}
			continue
		}
		if t != nil && t.Kind() == kind {
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Printf("CALL [%s]: disable %s: %v", s.cfg.Tag, kind, err)
			}
		}
	}
	log.Printf("CALL [%s]: %s enabled=%v", s.cfg.Tag, kind, enabled)
}

// Close releases the peer connection. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close: %v", s.cfg.Tag, err)
	}
}

// pumpRemoteVideo reassembles VP8 frames from RTP and feeds the remote
// MediaFeed, requesting a keyframe every pliInterval.
func (s *Session) pumpRemoteVideo(track *webrtc.TrackRemote) {
	log.Printf("CALL [%s]: remote video track %s", s.cfg.Tag, track.ID())

	// PLI loop: ask the sender for keyframes so new viewer subscribers
	// don't wait on the encoder's natural keyframe cadence.
	go func() {
		ticker := time.NewTicker(pliInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				err := s.pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				})
				if err != nil {
					return
				}
			}
		}
	}()

	builder := samplebuilder.New(96, &codecs.VP8Packet{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote video read: %v", s.cfg.Tag, err)
			}
			return
		}
		builder.Push(pkt)

		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 payload header: low bit of the first byte clear = keyframe.
			keyframe := sample.Data[0]&0x01 == 0
			tsMs := int64(sample.PacketTimestamp) * 1000 / int64(track.Codec().ClockRate)
			s.remoteFeed.PushVideo(tsMs, keyframe, sample.Data)
		}
	}
}

// pumpRemoteAudio reassembles Opus frames from RTP into the remote MediaFeed.
func (s *Session) pumpRemoteAudio(track *webrtc.TrackRemote) {
	log.Printf("CALL [%s]: remote audio track %s", s.cfg.Tag, track.ID())

	builder := samplebuilder.New(32, &codecs.OpusPacket{}, track.Codec().ClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote audio read: %v", s.cfg.Tag, err)
			}
			return
		}
		builder.Push(pkt)

		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			tsMs := int64(sample.PacketTimestamp) * 1000 / int64(track.Codec().ClockRate)
			s.remoteFeed.PushAudio(tsMs, sample.Data)
		}
	}
}
