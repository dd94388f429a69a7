// Package media is the Media Negotiation Adapter: local capture, the peer
// connection, ICE candidate exchange and the SDP bitrate cap.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"github.com/pion/webrtc/v4"
)

// peerConnection is the part of *webrtc.PeerConnection a Session uses.
type peerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Config holds negotiation settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	// AudioCodec and MaxAudioBitrate drive CapAudioBitrate. CapBitrate off
	// sends descriptions untouched.
	AudioCodec      string
	MaxAudioBitrate int
	CapBitrate      bool
}

// ICEServers builds the server list from STUN/TURN settings.
func ICEServers(stunURL, turnURL, turnUser, turnPassword string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if stunURL != "" {
		out = append(out, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	if turnURL != "" {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{turnURL},
			Username:   turnUser,
			Credential: turnPassword,
		})
	}
	return out
}

// Hooks receive peer connection events. They run on pion goroutines.
type Hooks struct {
	OnLocalCandidate func(protocol.Candidate)
	OnRemoteTrack    func(*webrtc.TrackRemote)
	OnConnectionLost func(webrtc.PeerConnectionState)
}

// Negotiator creates one Session per call.
type Negotiator struct {
	cfg     Config
	devices Devices
	log     *observability.SyncLogger
	newPC   func(webrtc.Configuration) (peerConnection, error)
}

// NewNegotiator builds a Negotiator on a pion API with the default codecs.
func NewNegotiator(cfg Config, devices Devices, logger *slog.Logger) (*Negotiator, error) {
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = DefaultAudioCodec
	}
	if cfg.MaxAudioBitrate <= 0 {
		cfg.MaxAudioBitrate = DefaultMaxAudioBitrate
	}

	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))

	return &Negotiator{
		cfg:     cfg,
		devices: devices,
		log:     observability.NewSyncLogger(logger, "media"),
		newPC: func(c webrtc.Configuration) (peerConnection, error) {
			return api.NewPeerConnection(c)
		},
	}, nil
}

// NewSession opens a peer connection for callID.
func (n *Negotiator) NewSession(callID string, hooks Hooks) (*Session, error) {
	pc, err := n.newPC(webrtc.Configuration{ICEServers: n.cfg.ICEServers})
	if err != nil {
		return nil, models.NewSignalingError("create peer connection", err)
	}

	s := &Session{
		callID:  callID,
		pc:      pc,
		cfg:     n.cfg,
		devices: n.devices,
		hooks:   hooks,
		log:     n.log,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || hooks.OnLocalCandidate == nil {
			return
		}
		hooks.OnLocalCandidate(fromInit(c.ToJSON()))
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if !s.isClosed() && hooks.OnConnectionLost != nil {
				hooks.OnConnectionLost(state)
			}
		}
	})
	return s, nil
}

// Session is the media side of one call.
type Session struct {
	callID  string
	pc      peerConnection
	cfg     Config
	devices Devices
	hooks   Hooks
	log     *observability.SyncLogger

	mu        sync.Mutex
	local     *LocalMedia
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	closed    bool
}

// CallID returns the call this session belongs to.
func (s *Session) CallID() string { return s.callID }

// AttachLocal acquires capture and adds the tracks to the peer connection.
func (s *Session) AttachLocal(ctx context.Context, video bool) error {
	lm, err := s.devices.Acquire(ctx, Constraints{Audio: true, Video: video})
	if err != nil {
		if errors.Is(err, models.ErrMediaDenied) {
			return models.NewSignalingError("acquire local media", err)
		}
		return models.NewSignalingError("acquire local media", fmt.Errorf("%w: %v", models.ErrMediaDenied, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		lm.Release()
		return models.NewSignalingError("attach local media", errors.New("session closed"))
	}
	for _, track := range lm.Tracks() {
		if _, err := s.pc.AddTrack(track); err != nil {
			lm.Release()
			return models.NewSignalingError("add local track", err)
		}
	}
	s.local = lm
	return nil
}

// CreateOffer produces the outgoing offer, with the bitrate cap applied.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", models.NewSignalingError("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", models.NewSignalingError("set local offer", err)
	}
	return s.capped(offer.SDP), nil
}

// CreateAnswer applies the remote offer and produces the answer.
func (s *Session) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", models.NewSignalingError("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", models.NewSignalingError("set local answer", err)
	}
	return s.capped(answer.SDP), nil
}

// ApplyAnswer applies the callee's answer.
func (s *Session) ApplyAnswer(answer string) error {
	return s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

// AddRemoteCandidate applies c, or queues it until the remote description is set.
func (s *Session) AddRemoteCandidate(c protocol.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	init := toInit(c)
	if !s.remoteSet {
		s.queued = append(s.queued, init)
		return nil
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return models.NewSignalingError("add remote candidate", err)
	}
	return nil
}

// Queued returns how many remote candidates wait for the remote description.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Close releases local capture and the peer connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	local := s.local
	s.local = nil
	s.queued = nil
	s.mu.Unlock()

	local.Release()
	return s.pc.Close()
}

// setRemote applies desc and flushes queued candidates in arrival order.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.NewSignalingError("set remote description", errors.New("session closed"))
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return models.NewSignalingError("set remote description", err)
	}
	s.remoteSet = true

	queued := s.queued
	s.queued = nil
	var errs []error
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.log.LogWarn(context.Background(), "queued candidates rejected", map[string]any{
			"call_id": s.callID,
			"count":   len(errs),
			"error":   errors.Join(errs...).Error(),
		})
	}
	return nil
}

func (s *Session) capped(sdp string) string {
	if !s.cfg.CapBitrate {
		return sdp
	}
	// The cap is a hint to the remote encoder, so only the sent copy changes.
	return CapAudioBitrate(sdp, s.cfg.AudioCodec, s.cfg.MaxAudioBitrate)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func toInit(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
