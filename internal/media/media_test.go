package media

import (
	"context"
	"strings"
	"testing"

	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestCapAudioBitrate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "appends to existing fmtp",
			in:   offerSDP,
			want: "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=24000\r\n",
		},
		{
			name: "replaces existing cap",
			in:   strings.Replace(offerSDP, "useinbandfec=1", "maxaveragebitrate=64000;useinbandfec=1", 1),
			want: "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=24000\r\n",
		},
		{
			name: "inserts missing fmtp after rtpmap",
			in:   strings.Replace(offerSDP, "a=fmtp:111 minptime=10;useinbandfec=1\r\n", "", 1),
			want: "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 maxaveragebitrate=24000\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := CapAudioBitrate(tt.in, "opus", 24000)
			assert.Contains(t, out, tt.want)
			assert.Contains(t, out, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n", "payload types must not change")
			assert.Contains(t, out, "a=rtpmap:111 opus/48000/2\r\n")
			assert.Equal(t, 1, strings.Count(out, "a=fmtp:111"))
		})
	}
}

func TestCapAudioBitrate_Untouched(t *testing.T) {
	noOpus := strings.ReplaceAll(offerSDP, "opus", "G722")
	assert.Equal(t, noOpus, CapAudioBitrate(noOpus, "opus", 24000))
	assert.Equal(t, offerSDP, CapAudioBitrate(offerSDP, "opus", 0))
}

func TestCapAudioBitrate_Idempotent(t *testing.T) {
	once := CapAudioBitrate(offerSDP, "opus", 24000)
	assert.Equal(t, once, CapAudioBitrate(once, "opus", 24000))
}

// fakePeer records calls made by a Session.
type fakePeer struct {
	remote      *webrtc.SessionDescription
	local       *webrtc.SessionDescription
	candidates  []string
	tracks      int
	closed      int
	onState     func(webrtc.PeerConnectionState)
	onCandidate func(*webrtc.ICECandidate)
}

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}, nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: offerSDP}, nil
}

func (f *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	f.local = &d
	return nil
}

func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.remote = &d
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.tracks++
	return nil, nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onCandidate = fn }

func (f *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakePeer) Close() error {
	f.closed++
	return nil
}

func newTestNegotiator(devices Devices, capBitrate bool) (*Negotiator, *fakePeer) {
	peer := &fakePeer{}
	n := &Negotiator{
		cfg:     Config{AudioCodec: DefaultAudioCodec, MaxAudioBitrate: DefaultMaxAudioBitrate, CapBitrate: capBitrate},
		devices: devices,
		log:     observability.NewSyncLogger(nil, "media"),
		newPC:   func(webrtc.Configuration) (peerConnection, error) { return peer, nil },
	}
	return n, peer
}

func TestSession_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	n, peer := newTestNegotiator(&StaticDevices{}, false)
	s, err := n.NewSession("c1", Hooks{})
	require.NoError(t, err)

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		require.NoError(t, s.AddRemoteCandidate(protocol.Candidate{Candidate: c}))
	}
	assert.Empty(t, peer.candidates)
	assert.Equal(t, 3, s.Queued())

	_, err = s.CreateAnswer(context.Background(), offerSDP)
	require.NoError(t, err)

	assert.Equal(t, []string{"cand-1", "cand-2", "cand-3"}, peer.candidates)
	assert.Zero(t, s.Queued())

	require.NoError(t, s.AddRemoteCandidate(protocol.Candidate{Candidate: "cand-4"}))
	assert.Equal(t, "cand-4", peer.candidates[3])
}

func TestSession_OfferIsCapped(t *testing.T) {
	n, peer := newTestNegotiator(&StaticDevices{}, true)
	s, err := n.NewSession("c1", Hooks{})
	require.NoError(t, err)

	require.NoError(t, s.AttachLocal(context.Background(), true))
	assert.Equal(t, 2, peer.tracks)

	sdp, err := s.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sdp, "maxaveragebitrate=24000")
	assert.Equal(t, offerSDP, peer.local.SDP)
}

func TestSession_AttachLocalDenied(t *testing.T) {
	n, peer := newTestNegotiator(&StaticDevices{Denied: true}, true)
	s, err := n.NewSession("c1", Hooks{})
	require.NoError(t, err)

	err = s.AttachLocal(context.Background(), false)
	assert.ErrorIs(t, err, models.ErrMediaDenied)
	assert.True(t, models.IsCode(err, models.CodeSignaling))
	assert.Zero(t, peer.tracks)
}

func TestSession_CloseReleasesOnce(t *testing.T) {
	released := 0
	n, peer := newTestNegotiator(&StaticDevices{OnRelease: func() { released++ }}, false)
	s, err := n.NewSession("c1", Hooks{})
	require.NoError(t, err)
	require.NoError(t, s.AttachLocal(context.Background(), false))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, released)
	assert.Equal(t, 1, peer.closed)
	assert.Error(t, s.ApplyAnswer(offerSDP))
}

func TestSession_ConnectionLostHook(t *testing.T) {
	var lost []webrtc.PeerConnectionState
	n, peer := newTestNegotiator(&StaticDevices{}, false)
	s, err := n.NewSession("c1", Hooks{
		OnConnectionLost: func(st webrtc.PeerConnectionState) { lost = append(lost, st) },
	})
	require.NoError(t, err)

	peer.onState(webrtc.PeerConnectionStateConnected)
	peer.onState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateFailed}, lost)

	require.NoError(t, s.Close())
	peer.onState(webrtc.PeerConnectionStateClosed)
	assert.Len(t, lost, 1, "closing locally is not a lost connection")
}

func TestSession_EndOfGatheringIgnored(t *testing.T) {
	called := false
	n, peer := newTestNegotiator(&StaticDevices{}, false)
	_, err := n.NewSession("c1", Hooks{OnLocalCandidate: func(protocol.Candidate) { called = true }})
	require.NoError(t, err)

	peer.onCandidate(nil)
	assert.False(t, called)
}

func TestICEServers(t *testing.T) {
	servers := ICEServers("stun:stun.example.org", "turn:turn.example.org", "u", "p")
	require.Len(t, servers, 2)
	assert.Equal(t, "u", servers[1].Username)
	assert.Empty(t, ICEServers("", "", "", ""))
}
