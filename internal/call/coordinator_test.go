package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lectern/internal/media"
	"lectern/internal/models"
	"lectern/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSignaler) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeSignaler) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSignaler) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.event)
	}
	return out
}

type fakeMedia struct {
	attachErr  error
	answerErr  error
	attached   bool
	video      bool
	answer     string
	candidates []protocol.Candidate
	closed     int
	hooks      media.Hooks
}

func (m *fakeMedia) AttachLocal(_ context.Context, video bool) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	m.attached = true
	m.video = video
	return nil
}

func (m *fakeMedia) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }

func (m *fakeMedia) CreateAnswer(_ context.Context, offer string) (string, error) {
	return "answer-to-" + offer, nil
}

func (m *fakeMedia) ApplyAnswer(answer string) error {
	if m.answerErr != nil {
		return m.answerErr
	}
	m.answer = answer
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(c protocol.Candidate) error {
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) Close() error {
	m.closed++
	return nil
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			t.stopped = true
			t.f()
		}
	}
}

var (
	alice = models.Participant{ID: "s1", Type: models.ParticipantStudent, Name: "Alice"}
	bob   = models.Participant{ID: "lib1", Type: models.ParticipantLibrarian, Name: "Bob"}
)

type fixture struct {
	coord    *Coordinator
	signaler *fakeSignaler
	clock    *fakeClock
	media    *fakeMedia
	opened   int
	states   []models.CallState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		signaler: &fakeSignaler{},
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		media:    &fakeMedia{},
	}
	factory := func(callID string, hooks media.Hooks) (MediaSession, error) {
		fx.opened++
		fx.media.hooks = hooks
		return fx.media, nil
	}
	fx.coord = NewCoordinator(fx.signaler, factory, Config{
		Local:       alice,
		RingTimeout: 30 * time.Second,
		Clock:       fx.clock,
	})
	ids := 0
	fx.coord.newID = func() string {
		ids++
		return "call-" + string(rune('0'+ids))
	}
	fx.coord.Subscribe(func(s models.CallSession) { fx.states = append(fx.states, s.State) })
	return fx
}

func (fx *fixture) incoming(t *testing.T, callID string) {
	t.Helper()
	require.NoError(t, fx.coord.Incoming(context.Background(), protocol.CallIncoming{
		CallID: callID,
		From:   bob,
		SDP:    "offer-" + callID,
	}))
}

func TestPlace_SendsInitiateAndRings(t *testing.T) {
	fx := newFixture(t)

	id, err := fx.coord.Place(context.Background(), bob, true)
	require.NoError(t, err)
	assert.Equal(t, "call-1", id)
	assert.Equal(t, models.CallOutgoingRinging, fx.coord.State())
	assert.True(t, fx.media.attached)
	assert.True(t, fx.media.video)

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallInitiate, got.event)
	init := got.payload.(protocol.CallInitiate)
	assert.Equal(t, "offer-sdp", init.SDP)
	assert.Equal(t, bob, init.To)
	assert.Equal(t, alice, init.From)
	assert.True(t, init.Video)
}

func TestPlace_WhileBusy(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)

	_, err = fx.coord.Place(context.Background(), bob, false)
	assert.ErrorIs(t, err, models.ErrCallBusy)
}

func TestOutgoing_RingTimeout(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)

	fx.clock.Advance(29 * time.Second)
	assert.Equal(t, models.CallOutgoingRinging, fx.coord.State())

	fx.clock.Advance(time.Second)
	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallHangup, got.event)
	assert.Equal(t, models.OutcomeMissed, got.payload.(protocol.CallHangup).Status)

	assert.Equal(t, models.CallIdle, fx.coord.State())
	assert.Nil(t, fx.coord.Current())
	assert.Equal(t, 1, fx.media.closed, "media must be released")
	require.NotNil(t, fx.coord.Last())
	assert.Equal(t, models.OutcomeMissed, fx.coord.Last().Outcome)
	assert.Equal(t, []models.CallState{models.CallOutgoingRinging, models.CallEnded, models.CallIdle}, fx.states)
}

func TestIncoming_RingTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")
	assert.Equal(t, models.CallIncomingRinging, fx.coord.State())

	fx.clock.Advance(30 * time.Second)

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallReject, got.event)
	rej := got.payload.(protocol.CallReject)
	assert.Equal(t, ReasonTimeout, rej.Reason)
	assert.Equal(t, models.OutcomeMissed, rej.Status)
	assert.Equal(t, models.CallIdle, fx.coord.State())
}

func TestIncoming_BusyRejectsSecondOffer(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)

	err = fx.coord.Incoming(context.Background(), protocol.CallIncoming{CallID: "other", From: bob})
	assert.ErrorIs(t, err, models.ErrCallBusy)

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallReject, got.event)
	rej := got.payload.(protocol.CallReject)
	assert.Equal(t, "other", rej.CallID)
	assert.Equal(t, ReasonBusy, rej.Reason)
	assert.Equal(t, models.OutcomeBusy, rej.Status)

	assert.Equal(t, "call-1", fx.coord.Current().ID, "current call untouched")
	assert.Equal(t, models.CallOutgoingRinging, fx.coord.State())
}

func TestIncoming_DuplicateOfferIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")
	fx.incoming(t, "in-1")

	assert.Equal(t, 1, fx.opened)
	assert.Empty(t, fx.signaler.events())
}

func TestAccept_AnswersAndActivates(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")

	require.NoError(t, fx.coord.Accept(context.Background(), false))

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallAccept, got.event)
	assert.Equal(t, protocol.CallAnswer{CallID: "in-1", SDP: "answer-to-offer-in-1"}, got.payload)
	assert.Equal(t, models.CallActive, fx.coord.State())

	// The ring timer is gone once active.
	fx.clock.Advance(time.Minute)
	assert.Equal(t, models.CallActive, fx.coord.State())
}

func TestAccept_CandidatesBeforeAcceptReachMedia(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")

	for _, c := range []string{"a", "b"} {
		require.NoError(t, fx.coord.RemoteCandidate(protocol.CallICECandidate{CallID: "in-1", Candidate: protocol.Candidate{Candidate: c}}))
	}
	require.NoError(t, fx.coord.RemoteCandidate(protocol.CallICECandidate{CallID: "stale", Candidate: protocol.Candidate{Candidate: "x"}}))

	require.Len(t, fx.media.candidates, 2)
	assert.Equal(t, "a", fx.media.candidates[0].Candidate)
}

func TestAccept_MediaDenied(t *testing.T) {
	fx := newFixture(t)
	fx.media.attachErr = models.ErrMediaDenied
	fx.incoming(t, "in-1")

	err := fx.coord.Accept(context.Background(), false)
	assert.ErrorIs(t, err, models.ErrMediaDenied)

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallReject, got.event)
	assert.Equal(t, models.OutcomeFailed, got.payload.(protocol.CallReject).Status)
	assert.Equal(t, models.CallIdle, fx.coord.State())
	assert.Equal(t, models.OutcomeFailed, fx.coord.Last().Outcome)
	assert.Equal(t, 1, fx.media.closed)
}

func TestPlace_MediaDenied(t *testing.T) {
	fx := newFixture(t)
	fx.media.attachErr = models.ErrMediaDenied

	_, err := fx.coord.Place(context.Background(), bob, false)
	assert.ErrorIs(t, err, models.ErrMediaDenied)
	assert.Empty(t, fx.signaler.events(), "nothing was offered")
	assert.Equal(t, models.CallIdle, fx.coord.State())
	assert.Equal(t, models.OutcomeFailed, fx.coord.Last().Outcome)
}

func TestHangup_CompletedWithDuration(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)
	require.NoError(t, fx.coord.RemoteAccepted(context.Background(), protocol.CallAnswer{CallID: "call-1", SDP: "ans"}))
	assert.Equal(t, "ans", fx.media.answer)
	assert.Equal(t, models.CallActive, fx.coord.State())

	fx.clock.Advance(95 * time.Second)
	require.NoError(t, fx.coord.Hangup(context.Background()))

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallHangup, got.event)
	assert.Equal(t, protocol.CallHangup{CallID: "call-1", Status: models.OutcomeCompleted, Duration: 95}, got.payload)
	assert.Equal(t, 95*time.Second, fx.coord.Last().Duration)
}

func TestHangup_WhileRinging(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fixture, *testing.T)
		event   string
		outcome models.CallOutcome
	}{
		{
			name: "outgoing cancels",
			setup: func(fx *fixture, t *testing.T) {
				_, err := fx.coord.Place(context.Background(), bob, false)
				require.NoError(t, err)
			},
			event:   protocol.EventCallHangup,
			outcome: models.OutcomeCancelled,
		},
		{
			name:    "incoming declines",
			setup:   func(fx *fixture, t *testing.T) { fx.incoming(t, "in-1") },
			event:   protocol.EventCallReject,
			outcome: models.OutcomeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			tt.setup(fx, t)
			require.NoError(t, fx.coord.Hangup(context.Background()))
			assert.Equal(t, tt.event, fx.signaler.last().event)
			assert.Equal(t, tt.outcome, fx.coord.Last().Outcome)
			assert.Equal(t, models.CallIdle, fx.coord.State())
		})
	}
}

func TestHangup_NoCall(t *testing.T) {
	fx := newFixture(t)
	assert.ErrorIs(t, fx.coord.Hangup(context.Background()), models.ErrNoActiveCall)
	assert.ErrorIs(t, fx.coord.Accept(context.Background(), false), models.ErrNoActiveCall)
}

func TestRemoteRejected(t *testing.T) {
	tests := []struct {
		name string
		ev   protocol.CallReject
		want models.CallOutcome
	}{
		{"declined", protocol.CallReject{CallID: "call-1", Reason: ReasonDeclined, Status: models.OutcomeRejected}, models.OutcomeRejected},
		{"busy", protocol.CallReject{CallID: "call-1", Reason: ReasonBusy}, models.OutcomeBusy},
		{"no status", protocol.CallReject{CallID: "call-1", Reason: "nope"}, models.OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			_, err := fx.coord.Place(context.Background(), bob, false)
			require.NoError(t, err)

			fx.coord.RemoteRejected(context.Background(), tt.ev)
			assert.Equal(t, models.CallIdle, fx.coord.State())
			assert.Equal(t, tt.want, fx.coord.Last().Outcome)
		})
	}
}

func TestRemoteAccepted_BadAnswer(t *testing.T) {
	fx := newFixture(t)
	fx.media.answerErr = errors.New("bad sdp")
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)

	assert.Error(t, fx.coord.RemoteAccepted(context.Background(), protocol.CallAnswer{CallID: "call-1", SDP: "x"}))
	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallHangup, got.event)
	assert.Equal(t, models.OutcomeFailed, got.payload.(protocol.CallHangup).Status)
	assert.Equal(t, models.CallIdle, fx.coord.State())
}

func TestRemoteEnded_IgnoresOtherCalls(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")

	fx.coord.RemoteEnded(context.Background(), protocol.CallHangup{CallID: "other", Status: models.OutcomeCancelled})
	assert.Equal(t, models.CallIncomingRinging, fx.coord.State())

	fx.coord.RemoteEnded(context.Background(), protocol.CallHangup{CallID: "in-1", Status: models.OutcomeCancelled})
	assert.Equal(t, models.CallIdle, fx.coord.State())
	assert.Equal(t, models.OutcomeCancelled, fx.coord.Last().Outcome)
}

func TestTransportLost_EndsWithoutSignaling(t *testing.T) {
	fx := newFixture(t)
	fx.incoming(t, "in-1")
	require.NoError(t, fx.coord.Accept(context.Background(), false))
	before := len(fx.signaler.events())

	fx.coord.TransportLost(context.Background())

	assert.Len(t, fx.signaler.events(), before)
	assert.Equal(t, models.CallIdle, fx.coord.State())
	assert.Equal(t, models.OutcomeFailed, fx.coord.Last().Outcome)
	assert.Equal(t, 1, fx.media.closed)
}

func TestLocalCandidatesAreTrickled(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)

	fx.media.hooks.OnLocalCandidate(protocol.Candidate{Candidate: "local-1"})
	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallICECandidate, got.event)
	assert.Equal(t, "call-1", got.payload.(protocol.CallICECandidate).CallID)

	require.NoError(t, fx.coord.Cancel(context.Background()))
	n := len(fx.signaler.events())
	fx.media.hooks.OnLocalCandidate(protocol.Candidate{Candidate: "late"})
	assert.Len(t, fx.signaler.events(), n, "candidates after the call are dropped")
}

func TestMediaLost_ActiveCallHangsUp(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.coord.Place(context.Background(), bob, false)
	require.NoError(t, err)
	require.NoError(t, fx.coord.RemoteAccepted(context.Background(), protocol.CallAnswer{CallID: "call-1", SDP: "ans"}))
	fx.clock.Advance(10 * time.Second)

	fx.media.hooks.OnConnectionLost(0)

	got := fx.signaler.last()
	require.Equal(t, protocol.EventCallHangup, got.event)
	assert.Equal(t, int64(10), got.payload.(protocol.CallHangup).Duration)
	assert.Equal(t, models.CallIdle, fx.coord.State())
}
