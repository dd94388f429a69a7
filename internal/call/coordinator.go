// Package call implements the call signaling state machine:
// IDLE → OUTGOING_RINGING | INCOMING_RINGING → ACTIVE → ENDED → IDLE.
// All methods run on the engine loop.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"lectern/internal/media"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// DefaultRingTimeout is how long a call rings before it is missed.
const DefaultRingTimeout = 30 * time.Second

// Reject reasons carried by call-reject.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
	ReasonFailed   = "failed"
)

// Signaler writes signaling events without waiting for an ack.
type Signaler interface {
	Send(ctx context.Context, event string, payload any) error
}

// MediaSession is the media side of one call.
type MediaSession interface {
	AttachLocal(ctx context.Context, video bool) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offer string) (string, error)
	ApplyAnswer(answer string) error
	AddRemoteCandidate(c protocol.Candidate) error
	Close() error
}

// SessionFactory opens a MediaSession for a call.
type SessionFactory func(callID string, hooks media.Hooks) (MediaSession, error)

// Config holds coordinator dependencies.
type Config struct {
	Local       models.Participant
	RingTimeout time.Duration
	Clock       Clock
	// Schedule posts a task onto the engine loop. Timers and media hooks use it.
	Schedule      func(func())
	OnRemoteTrack func(*webrtc.TrackRemote)
	Logger        *slog.Logger
	Metrics       *observability.SyncMetrics
}

// Coordinator is the Call Signaling Coordinator. It holds at most one call.
type Coordinator struct {
	cfg      Config
	signaler Signaler
	sessions SessionFactory
	log      *observability.SyncLogger
	metrics  *observability.SyncMetrics
	newID    func() string

	current *models.CallSession
	media   MediaSession
	timer   Timer
	last    *models.CallSession

	snapshot  atomic.Pointer[models.CallSession]
	observers []func(models.CallSession)
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(signaler Signaler, sessions SessionFactory, cfg Config) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(f func()) { f() }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewSyncMetrics(nil)
	}
	return &Coordinator{
		cfg:      cfg,
		signaler: signaler,
		sessions: sessions,
		log:      observability.NewSyncLogger(cfg.Logger, "call"),
		metrics:  cfg.Metrics,
		newID:    uuid.NewString,
	}
}

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() models.CallState {
	if s := c.snapshot.Load(); s != nil {
		return s.State
	}
	return models.CallIdle
}

// Current returns a copy of the live call, or nil. Safe from any goroutine.
func (c *Coordinator) Current() *models.CallSession {
	return c.snapshot.Load().Clone()
}

// Last returns the most recently ended call, so its outcome stays visible.
func (c *Coordinator) Last() *models.CallSession {
	return c.last.Clone()
}

// Subscribe registers fn for every transition. Must be called before the loop starts.
func (c *Coordinator) Subscribe(fn func(models.CallSession)) {
	c.observers = append(c.observers, fn)
}

// Place starts an outgoing call: capture, offer, call-initiate, ring timer.
func (c *Coordinator) Place(ctx context.Context, remote models.Participant, video bool) (string, error) {
	if c.current != nil {
		return "", models.ErrCallBusy
	}
	id := c.newID()
	ctx = observability.WithCall(ctx, id)
	c.current = &models.CallSession{
		ID:        id,
		Local:     c.cfg.Local,
		Remote:    remote,
		Direction: models.CallOutgoing,
		Video:     video,
		State:     models.CallOutgoingRinging,
	}
	c.publish()

	ms, err := c.sessions(id, c.hooks(id))
	if err != nil {
		c.end(ctx, models.OutcomeFailed)
		return "", err
	}
	c.media = ms
	if err := ms.AttachLocal(ctx, video); err != nil {
		c.end(ctx, models.OutcomeFailed)
		return "", err
	}
	offer, err := ms.CreateOffer(ctx)
	if err != nil {
		c.end(ctx, models.OutcomeFailed)
		return "", err
	}
	c.current.Offer = offer

	if err := c.signaler.Send(ctx, protocol.EventCallInitiate, protocol.CallInitiate{
		CallID: id,
		To:     remote,
		From:   c.cfg.Local,
		SDP:    offer,
		Video:  video,
	}); err != nil {
		c.end(ctx, models.OutcomeFailed)
		return "", err
	}
	c.startTimer(id)
	c.log.LogLifecycle(ctx, "call placed", map[string]any{"call_id": id, "video": video})
	return id, nil
}

// Incoming handles an inbound offer. A second offer while a call is held is
// rejected as busy without touching the current call.
func (c *Coordinator) Incoming(ctx context.Context, ev protocol.CallIncoming) error {
	ctx = observability.WithCall(ctx, ev.CallID)
	if c.current != nil {
		if c.current.ID == ev.CallID {
			// Redelivered offer.
			return nil
		}
		c.send(ctx, protocol.EventCallReject, protocol.CallReject{
			CallID: ev.CallID,
			Reason: ReasonBusy,
			Status: models.OutcomeBusy,
		})
		c.metrics.CallOutcomes.WithLabelValues(string(models.OutcomeBusy)).Inc()
		return models.ErrCallBusy
	}

	c.current = &models.CallSession{
		ID:        ev.CallID,
		Local:     c.cfg.Local,
		Remote:    ev.From,
		Direction: models.CallIncoming,
		Video:     ev.Video,
		Offer:     ev.SDP,
		State:     models.CallIncomingRinging,
	}
	// The peer connection exists from the start so early candidates queue in it.
	ms, err := c.sessions(ev.CallID, c.hooks(ev.CallID))
	if err != nil {
		c.send(ctx, protocol.EventCallReject, protocol.CallReject{CallID: ev.CallID, Reason: ReasonFailed, Status: models.OutcomeFailed})
		c.end(ctx, models.OutcomeFailed)
		return err
	}
	c.media = ms
	c.startTimer(ev.CallID)
	c.publish()
	return nil
}

// Accept answers the ringing incoming call.
func (c *Coordinator) Accept(ctx context.Context, video bool) error {
	if err := c.expect(models.CallIncomingRinging); err != nil {
		return err
	}
	ctx = observability.WithCall(ctx, c.current.ID)
	c.stopTimer()
	id := c.current.ID
	video = video && c.current.Video

	fail := func(err error) error {
		c.send(ctx, protocol.EventCallReject, protocol.CallReject{CallID: id, Reason: ReasonFailed, Status: models.OutcomeFailed})
		c.end(ctx, models.OutcomeFailed)
		return err
	}
	if err := c.media.AttachLocal(ctx, video); err != nil {
		return fail(err)
	}
	answer, err := c.media.CreateAnswer(ctx, c.current.Offer)
	if err != nil {
		return fail(err)
	}
	if err := c.signaler.Send(ctx, protocol.EventCallAccept, protocol.CallAnswer{CallID: id, SDP: answer}); err != nil {
		c.end(ctx, models.OutcomeFailed)
		return err
	}
	c.current.Answer = answer
	c.activate()
	return nil
}

// Decline rejects the ringing incoming call.
func (c *Coordinator) Decline(ctx context.Context) error {
	if err := c.expect(models.CallIncomingRinging); err != nil {
		return err
	}
	c.send(ctx, protocol.EventCallReject, protocol.CallReject{
		CallID: c.current.ID,
		Reason: ReasonDeclined,
		Status: models.OutcomeRejected,
	})
	c.end(ctx, models.OutcomeRejected)
	return nil
}

// Cancel withdraws the ringing outgoing call.
func (c *Coordinator) Cancel(ctx context.Context) error {
	if err := c.expect(models.CallOutgoingRinging); err != nil {
		return err
	}
	c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{CallID: c.current.ID, Status: models.OutcomeCancelled})
	c.end(ctx, models.OutcomeCancelled)
	return nil
}

// Hangup ends the call from the local side. Ringing calls are cancelled or declined.
func (c *Coordinator) Hangup(ctx context.Context) error {
	if c.current == nil {
		return models.ErrNoActiveCall
	}
	switch c.current.State {
	case models.CallOutgoingRinging:
		return c.Cancel(ctx)
	case models.CallIncomingRinging:
		return c.Decline(ctx)
	}
	c.current.Duration = c.elapsed()
	c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{
		CallID:   c.current.ID,
		Status:   models.OutcomeCompleted,
		Duration: int64(c.current.Duration / time.Second),
	})
	c.end(ctx, models.OutcomeCompleted)
	return nil
}

// RemoteAccepted applies the callee's answer.
func (c *Coordinator) RemoteAccepted(ctx context.Context, ev protocol.CallAnswer) error {
	if !c.matches(ev.CallID) || c.current.State != models.CallOutgoingRinging {
		return nil
	}
	c.stopTimer()
	if err := c.media.ApplyAnswer(ev.SDP); err != nil {
		c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{CallID: ev.CallID, Status: models.OutcomeFailed})
		c.end(ctx, models.OutcomeFailed)
		return err
	}
	c.current.Answer = ev.SDP
	c.activate()
	return nil
}

// RemoteRejected ends the call the peer refused.
func (c *Coordinator) RemoteRejected(ctx context.Context, ev protocol.CallReject) {
	if !c.matches(ev.CallID) {
		return
	}
	outcome := models.OutcomeRejected
	switch {
	case ev.Reason == ReasonBusy:
		outcome = models.OutcomeBusy
	case ev.Status != "":
		outcome = ev.Status
	}
	c.end(ctx, outcome)
}

// RemoteEnded ends the call the peer hung up or cancelled.
func (c *Coordinator) RemoteEnded(ctx context.Context, ev protocol.CallHangup) {
	if !c.matches(ev.CallID) {
		return
	}
	outcome := ev.Status
	if outcome == "" {
		outcome = models.OutcomeCompleted
	}
	if c.current.State == models.CallActive {
		c.current.Duration = c.elapsed()
	}
	c.end(ctx, outcome)
}

// RemoteCandidate hands a trickled candidate to the media session.
func (c *Coordinator) RemoteCandidate(ev protocol.CallICECandidate) error {
	if !c.matches(ev.CallID) || c.media == nil {
		return nil
	}
	return c.media.AddRemoteCandidate(ev.Candidate)
}

// TransportLost ends any call; the channel is gone so the peer is not notified.
func (c *Coordinator) TransportLost(ctx context.Context) {
	if c.current == nil {
		return
	}
	if c.current.State == models.CallActive {
		c.current.Duration = c.elapsed()
	}
	c.end(ctx, models.OutcomeFailed)
}

// MediaLost treats a dead peer connection as the end of the call.
func (c *Coordinator) MediaLost(ctx context.Context, callID string) {
	if !c.matches(callID) {
		return
	}
	if c.current.State == models.CallActive {
		c.current.Duration = c.elapsed()
		c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{
			CallID:   callID,
			Status:   models.OutcomeCompleted,
			Duration: int64(c.current.Duration / time.Second),
		})
		c.end(ctx, models.OutcomeCompleted)
		return
	}
	c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{CallID: callID, Status: models.OutcomeFailed})
	c.end(ctx, models.OutcomeFailed)
}

// Close ends any call. Used on logout.
func (c *Coordinator) Close(ctx context.Context) {
	if c.current == nil {
		return
	}
	_ = c.Hangup(ctx)
}

func (c *Coordinator) ringTimeout(callID string) {
	if !c.matches(callID) {
		return
	}
	ctx := observability.WithCall(context.Background(), callID)
	switch c.current.State {
	case models.CallOutgoingRinging:
		c.send(ctx, protocol.EventCallHangup, protocol.CallHangup{CallID: callID, Status: models.OutcomeMissed})
	case models.CallIncomingRinging:
		c.send(ctx, protocol.EventCallReject, protocol.CallReject{CallID: callID, Reason: ReasonTimeout, Status: models.OutcomeMissed})
	default:
		return
	}
	c.end(ctx, models.OutcomeMissed)
}

func (c *Coordinator) activate() {
	c.current.State = models.CallActive
	c.current.StartedAt = c.cfg.Clock.Now()
	c.publish()
}

// end moves the call to ENDED, releases media and returns to IDLE.
func (c *Coordinator) end(ctx context.Context, outcome models.CallOutcome) {
	if c.current == nil {
		return
	}
	c.stopTimer()
	c.current.State = models.CallEnded
	c.current.Outcome = outcome
	c.publish()

	if c.media != nil {
		if err := c.media.Close(); err != nil {
			c.log.LogError(ctx, err, "release media")
		}
		c.media = nil
	}
	c.metrics.CallOutcomes.WithLabelValues(string(outcome)).Inc()
	c.log.LogLifecycle(ctx, "call ended", map[string]any{
		"call_id":  c.current.ID,
		"outcome":  string(outcome),
		"duration": c.current.Duration.String(),
	})

	ended := c.current.Clone()
	c.last = ended
	c.current = nil
	c.snapshot.Store(nil)
	idle := *ended
	idle.State = models.CallIdle
	for _, fn := range c.observers {
		fn(idle)
	}
}

func (c *Coordinator) hooks(callID string) media.Hooks {
	return media.Hooks{
		OnLocalCandidate: func(cand protocol.Candidate) {
			c.cfg.Schedule(func() {
				if !c.matches(callID) {
					return
				}
				c.send(observability.WithCall(context.Background(), callID), protocol.EventCallICECandidate,
					protocol.CallICECandidate{CallID: callID, Candidate: cand})
			})
		},
		OnRemoteTrack: c.cfg.OnRemoteTrack,
		OnConnectionLost: func(webrtc.PeerConnectionState) {
			c.cfg.Schedule(func() { c.MediaLost(context.Background(), callID) })
		},
	}
}

func (c *Coordinator) startTimer(callID string) {
	c.stopTimer()
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.RingTimeout, func() {
		c.cfg.Schedule(func() { c.ringTimeout(callID) })
	})
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) expect(state models.CallState) error {
	if c.current == nil {
		return models.ErrNoActiveCall
	}
	if c.current.State != state {
		return models.ErrInvalidTransition
	}
	return nil
}

func (c *Coordinator) matches(callID string) bool {
	return c.current != nil && c.current.ID == callID
}

func (c *Coordinator) elapsed() time.Duration {
	if c.current.StartedAt.IsZero() {
		return 0
	}
	return c.cfg.Clock.Now().Sub(c.current.StartedAt)
}

// send reports signaling failures without aborting the local transition.
func (c *Coordinator) send(ctx context.Context, event string, payload any) {
	if err := c.signaler.Send(ctx, event, payload); err != nil && !errors.Is(err, models.ErrNotConnected) {
		c.log.LogError(ctx, err, event)
	}
}

func (c *Coordinator) publish() {
	snap := c.current.Clone()
	c.snapshot.Store(snap)
	for _, fn := range c.observers {
		fn(*snap)
	}
}
