// Package engine is the per-session application context. It owns the
// transport, cache, messaging components, call coordinator and REST client,
// and runs every state change on one loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lectern/internal/cache"
	"lectern/internal/call"
	"lectern/internal/featureflags"
	"lectern/internal/media"
	"lectern/internal/messaging"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"
	"lectern/internal/transport"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// DefaultPageSize is the history page length.
const DefaultPageSize = 30

// ErrClosed is returned by intents after Close.
var ErrClosed = errors.New("engine closed")

// Transport is the realtime channel. *transport.Manager implements it.
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Disconnect() error
	Close() error
	State() transport.State
	On(event string, fn transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
	Emit(ctx context.Context, event string, payload any, timeout time.Duration) (transport.Ack, error)
	Send(ctx context.Context, event string, payload any) error
}

// Records is the REST boundary. *api.Client implements it.
type Records interface {
	SetCredential(credential string)
	FetchConversations(ctx context.Context) ([]*models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, target models.Ref) (*models.Conversation, error)
	FetchMessages(ctx context.Context, convID string, before time.Time, limit int) ([]*models.Message, error)
	MarkAsRead(ctx context.Context, convID string) error
	WipeConversation(ctx context.Context, convID string) error
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Options configure an Engine.
type Options struct {
	Local     models.Participant
	Transport Transport
	Records   Records

	// Sessions opens call media. When nil a pion negotiator is built from
	// Media and Devices.
	Sessions call.SessionFactory
	Media    media.Config
	Devices  media.Devices

	Flags       *featureflags.Manager
	PageSize    int
	AckTimeout  time.Duration
	RingTimeout time.Duration
	Clock       call.Clock

	Logger  *slog.Logger
	Metrics *observability.SyncMetrics

	// OnAuthExpired is called when the service rejects the credential. The
	// session layer is expected to refresh it and Connect again.
	OnAuthExpired func(error)
	// OnServerClosed is called for every close initiated by the service,
	// including credential rejection. The transport does not redial after
	// one; the session layer calls Connect when it is ready.
	OnServerClosed func(protocol.Disconnect)
	// OnError receives failures of background work no caller waits for.
	OnError       func(error)
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// Engine is the sync engine for one signed-in participant.
type Engine struct {
	opts     Options
	local    models.Participant
	tr       Transport
	records  Records
	flags    *featureflags.Manager
	store    *cache.Store
	pipeline *messaging.Pipeline
	unread   *messaging.UnreadSync
	reducer  *messaging.Reducer
	calls    *call.Coordinator
	log      *observability.SyncLogger
	metrics  *observability.SyncMetrics

	tasks   chan func()
	done    chan struct{}
	running atomic.Bool
	once    sync.Once
	subs    []transport.Subscription
}

// New wires an Engine. Call Run to start the loop.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil || opts.Records == nil {
		return nil, errors.New("engine: transport and records are required")
	}
	if opts.Local.ID == "" {
		return nil, errors.New("engine: local participant is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = transport.DefaultConfig("").AckTimeout
	}
	if opts.Flags == nil {
		opts.Flags = featureflags.NewManager(featureflags.Defaults)
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewSyncMetrics(nil)
	}

	e := &Engine{
		opts:    opts,
		local:   opts.Local,
		tr:      opts.Transport,
		records: opts.Records,
		flags:   opts.Flags,
		store:   cache.New(),
		log:     observability.NewSyncLogger(opts.Logger, "engine"),
		metrics: opts.Metrics,
		tasks:   make(chan func(), 256),
		done:    make(chan struct{}),
	}

	sessions := opts.Sessions
	if sessions == nil {
		var err error
		if sessions, err = e.negotiatorSessions(); err != nil {
			return nil, err
		}
	}

	e.pipeline = messaging.NewPipeline(e.store, e.tr, e.post, messaging.PipelineConfig{
		Local:      e.local.Ref(),
		AckTimeout: opts.AckTimeout,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	e.unread = messaging.NewUnreadSync(e.store, e.local.ID, opts.Logger, opts.Metrics)
	e.reducer = messaging.NewReducer(e.store, e.pipeline, e.unread, e.local.ID, opts.Logger, opts.Metrics)
	e.calls = call.NewCoordinator(e.tr, sessions, call.Config{
		Local:         e.local,
		RingTimeout:   opts.RingTimeout,
		Clock:         opts.Clock,
		Schedule:      e.post,
		OnRemoteTrack: opts.OnRemoteTrack,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})

	e.listen()
	return e, nil
}

// negotiatorSessions builds the pion-backed session factory. The bitrate cap
// follows the audio_bitrate_cap flag.
func (e *Engine) negotiatorSessions() (call.SessionFactory, error) {
	cfg := e.opts.Media
	cfg.CapBitrate = e.flags.Enabled(featureflags.AudioBitrateCap, e.local.ID)
	devices := e.opts.Devices
	if devices == nil {
		devices = &media.StaticDevices{}
	}
	n, err := media.NewNegotiator(cfg, devices, e.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("media negotiator: %w", err)
	}
	return func(callID string, hooks media.Hooks) (call.MediaSession, error) {
		s, err := n.NewSession(callID, hooks)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, nil
}

// Cache is the read-only surface for UI observers.
func (e *Engine) Cache() *cache.Store { return e.store }

// Calls exposes call state. Only State, Current and Last are safe off the loop.
func (e *Engine) Calls() *call.Coordinator { return e.calls }

// Run executes posted work until ctx ends or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer e.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case task := <-e.tasks:
			e.runTask(task)
		}
	}
}

func (e *Engine) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.LogError(context.Background(), fmt.Errorf("panic: %v", r), "engine task")
		}
	}()
	task()
}

// post queues task on the loop. Safe from any goroutine but the loop itself
// when the queue is full.
func (e *Engine) post(task func()) {
	select {
	case e.tasks <- task:
	case <-e.done:
	}
}

type result[T any] struct {
	v   T
	err error
}

// exec runs fn on the loop and waits for its result.
func exec[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-e.done:
		return zero, ErrClosed
	default:
	}
	out := make(chan result[T], 1)
	select {
	case e.tasks <- func() {
		v, err := fn()
		out <- result[T]{v, err}
	}:
	case <-e.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-out:
		return r.v, r.err
	case <-e.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (e *Engine) do(ctx context.Context, fn func() error) error {
	_, err := exec(ctx, e, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Close ends any call, drops the channel and stops the loop. Used on logout.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		if e.running.Load() {
			_ = e.do(context.Background(), func() error {
				e.calls.Close(context.Background())
				return nil
			})
		}
		for _, sub := range e.subs {
			e.tr.Off(sub)
		}
		err = e.tr.Close()
		close(e.done)
		e.store.Reset()
	})
	return err
}

// Connect binds the credential and opens the channel.
func (e *Engine) Connect(ctx context.Context, credential string) error {
	e.records.SetCredential(credential)
	err := e.tr.Connect(ctx, credential)
	if errors.Is(err, models.ErrAuthRejected) {
		e.authExpired(err)
	}
	return err
}

// Disconnect closes the channel without ending the session.
func (e *Engine) Disconnect() error {
	return e.tr.Disconnect()
}

// SendMessage queues a message and returns its tempId once it is visible.
func (e *Engine) SendMessage(ctx context.Context, req messaging.SendRequest) (string, error) {
	ctx = observability.WithConversation(ctx, req.ConversationID)
	return exec(ctx, e, func() (string, error) {
		return e.pipeline.Send(context.WithoutCancel(ctx), req)
	})
}

// SendAttachment uploads r and sends its URL as a message of kind.
func (e *Engine) SendAttachment(ctx context.Context, convID, filename string, r io.Reader, kind models.ContentKind) (string, error) {
	if kind != models.KindImage && kind != models.KindFile {
		return "", models.NewValidationError(fmt.Sprintf("attachment kind %q", kind))
	}
	url, err := e.records.Upload(ctx, filename, r)
	if err != nil {
		return "", err
	}
	return e.SendMessage(ctx, messaging.SendRequest{ConversationID: convID, Content: url, Kind: kind})
}

// Retry re-sends a failed message under its original tempId.
func (e *Engine) Retry(ctx context.Context, tempID string) error {
	return e.do(ctx, func() error {
		return e.pipeline.Retry(context.WithoutCancel(ctx), tempID)
	})
}

// EditMessage replaces the content of an own message.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) error {
	if err := e.ownMessage(ctx, messageID); err != nil {
		return err
	}
	if err := messaging.ValidateContent(content); err != nil {
		return err
	}
	if _, err := e.tr.Emit(ctx, protocol.EventEditMessage, protocol.EditMessage{MessageID: messageID, Content: content}, e.opts.AckTimeout); err != nil {
		return err
	}
	now := time.Now()
	return e.do(ctx, func() error {
		e.store.Edit(messageID, content, now)
		return nil
	})
}

// DeleteMessage soft-deletes an own message.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if err := e.ownMessage(ctx, messageID); err != nil {
		return err
	}
	if _, err := e.tr.Emit(ctx, protocol.EventDeleteMessage, protocol.MessageRef{MessageID: messageID}, e.opts.AckTimeout); err != nil {
		return err
	}
	return e.do(ctx, func() error {
		e.store.SoftDelete(messageID)
		return nil
	})
}

// React adds an emoji reaction. The acknowledged reaction set replaces the cached one.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return models.NewValidationError("emoji is required")
	}
	ack, err := e.tr.Emit(ctx, protocol.EventReactMessage, protocol.ReactMessage{MessageID: messageID, Emoji: emoji}, e.opts.AckTimeout)
	if err != nil {
		return err
	}
	var updated protocol.ReactionUpdated
	if ack.Decode(&updated) != nil || updated.MessageID == "" {
		// The reaction-updated broadcast carries the new set.
		return nil
	}
	return e.do(ctx, func() error {
		e.store.SetReactions(updated.MessageID, updated.Reactions)
		return nil
	})
}

func (e *Engine) ownMessage(ctx context.Context, messageID string) error {
	return e.do(ctx, func() error {
		m, ok := e.store.Message(messageID)
		if !ok {
			return models.NewNotFoundError("message", messageID)
		}
		if m.Sender.ID != e.local.ID {
			return models.NewValidationError("only the author can change a message")
		}
		if m.Deleted {
			return models.NewValidationError("message is deleted")
		}
		return nil
	})
}

// OpenConversation makes convID the open conversation, loads its latest page
// and marks it read.
func (e *Engine) OpenConversation(ctx context.Context, convID string) error {
	ctx = observability.WithConversation(ctx, convID)
	unread, err := exec(ctx, e, func() (int, error) {
		if !e.store.HasConversation(convID) {
			return 0, models.NewNotFoundError("conversation", convID)
		}
		e.unread.Open(convID)
		return e.store.UnreadCounts()[convID], nil
	})
	if err != nil {
		return err
	}

	msgs, err := e.records.FetchMessages(ctx, convID, time.Time{}, e.opts.PageSize)
	if err != nil {
		return err
	}
	if err := e.do(ctx, func() error {
		e.store.ReplacePage(convID, msgs)
		return nil
	}); err != nil {
		return err
	}
	if unread > 0 || hasUnreadInbound(msgs, e.local.ID) {
		return e.MarkRead(ctx, convID)
	}
	return nil
}

func hasUnreadInbound(msgs []*models.Message, localID string) bool {
	for _, m := range msgs {
		if m.Sender.ID != localID && m.Status.Rank() < models.StatusRead.Rank() {
			return true
		}
	}
	return false
}

// CloseConversation clears the open conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.unread.Close()
		return nil
	})
}

// LoadOlder fetches the page before the oldest cached message and returns
// how many messages were added. Zero means history is exhausted.
func (e *Engine) LoadOlder(ctx context.Context, convID string) (int, error) {
	oldest, err := exec(ctx, e, func() (time.Time, error) {
		t, ok := e.store.OldestLoaded(convID)
		if !ok {
			return time.Time{}, models.NewNotFoundError("conversation page", convID)
		}
		return t, nil
	})
	if err != nil {
		return 0, err
	}
	msgs, err := e.records.FetchMessages(ctx, convID, oldest, e.opts.PageSize)
	if err != nil {
		return 0, err
	}
	return exec(ctx, e, func() (int, error) {
		return e.store.AppendOlder(convID, msgs), nil
	})
}

// StartConversation returns the conversation with target, creating it when needed.
func (e *Engine) StartConversation(ctx context.Context, target models.Ref) (*models.Conversation, error) {
	if target.ID == e.local.ID {
		return nil, models.NewValidationError("cannot start a conversation with yourself")
	}
	conv, err := e.records.GetOrCreateConversation(ctx, target)
	if err != nil {
		return nil, err
	}
	if !conv.Has(e.local.ID) || !conv.Has(target.ID) {
		return nil, models.NewConsistencyError("conversation does not join both participants")
	}
	if err := e.do(ctx, func() error {
		e.store.UpsertConversation(conv)
		return nil
	}); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// WipeConversation deletes a conversation on the service and drops it locally.
func (e *Engine) WipeConversation(ctx context.Context, convID string) error {
	if err := e.records.WipeConversation(ctx, convID); err != nil {
		return err
	}
	return e.do(ctx, func() error {
		if e.unread.OpenConversation() == convID {
			e.unread.Close()
		}
		e.store.RemoveConversation(convID)
		return nil
	})
}

// MarkRead marks every inbound message of convID read. It uses the channel
// when connected and the REST endpoint otherwise.
func (e *Engine) MarkRead(ctx context.Context, convID string) error {
	_, err := e.tr.Emit(ctx, protocol.EventMarkReadAll, protocol.ConversationRef{ConversationID: convID}, e.opts.AckTimeout)
	if errors.Is(err, models.ErrNotConnected) {
		err = e.records.MarkAsRead(ctx, convID)
	}
	if err != nil {
		return err
	}
	return e.do(ctx, func() error {
		e.unread.MarkedRead(convID)
		return nil
	})
}

// PlaceCall calls the peer of convID. Video needs the video_calls flag.
func (e *Engine) PlaceCall(ctx context.Context, convID string, video bool) (string, error) {
	return exec(ctx, e, func() (string, error) {
		conv, ok := e.store.Conversation(convID)
		if !ok {
			return "", models.NewNotFoundError("conversation", convID)
		}
		return e.calls.Place(context.WithoutCancel(ctx), conv.Peer(e.local.ID), e.videoAllowed(video))
	})
}

// AcceptCall answers the ringing incoming call.
func (e *Engine) AcceptCall(ctx context.Context, video bool) error {
	return e.do(ctx, func() error {
		return e.calls.Accept(context.WithoutCancel(ctx), e.videoAllowed(video))
	})
}

// DeclineCall rejects the ringing incoming call.
func (e *Engine) DeclineCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.calls.Decline(ctx) })
}

// CancelCall withdraws the ringing outgoing call.
func (e *Engine) CancelCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.calls.Cancel(ctx) })
}

// HangUp ends the current call.
func (e *Engine) HangUp(ctx context.Context) error {
	return e.do(ctx, func() error { return e.calls.Hangup(ctx) })
}

func (e *Engine) videoAllowed(requested bool) bool {
	return requested && e.flags.Enabled(featureflags.VideoCalls, e.local.ID)
}

// listen routes channel events onto the loop.
func (e *Engine) listen() {
	on := func(event string, fn func(protocol.Frame)) {
		e.subs = append(e.subs, e.tr.On(event, func(f protocol.Frame) {
			e.post(func() { fn(f) })
		}))
	}

	for _, event := range []string{
		protocol.EventNewMessage,
		protocol.EventStatusUpdate,
		protocol.EventStatusUpdateBulk,
		protocol.EventMessageEdited,
		protocol.EventMessageDeleted,
		protocol.EventReactionUpdated,
		protocol.EventUnreadCountSnapshot,
	} {
		on(event, e.apply)
	}

	on(protocol.EventCallIncoming, func(f protocol.Frame) {
		var ev protocol.CallIncoming
		if e.decode(f, &ev) {
			_ = e.calls.Incoming(context.Background(), ev)
		}
	})
	on(protocol.EventCallAccepted, func(f protocol.Frame) {
		var ev protocol.CallAnswer
		if e.decode(f, &ev) {
			if err := e.calls.RemoteAccepted(context.Background(), ev); err != nil {
				e.report(err)
			}
		}
	})
	on(protocol.EventCallRejected, func(f protocol.Frame) {
		var ev protocol.CallReject
		if e.decode(f, &ev) {
			e.calls.RemoteRejected(context.Background(), ev)
		}
	})
	on(protocol.EventCallEnded, func(f protocol.Frame) {
		var ev protocol.CallHangup
		if e.decode(f, &ev) {
			e.calls.RemoteEnded(context.Background(), ev)
		}
	})
	on(protocol.EventCallICECandidate, func(f protocol.Frame) {
		var ev protocol.CallICECandidate
		if e.decode(f, &ev) {
			if err := e.calls.RemoteCandidate(ev); err != nil {
				e.log.LogError(observability.WithCall(context.Background(), ev.CallID), err, "remote candidate")
			}
		}
	})

	on(protocol.EventConnect, func(protocol.Frame) { e.onConnected() })
	on(protocol.EventDisconnect, func(f protocol.Frame) {
		var d protocol.Disconnect
		_ = f.Decode(&d)
		e.onDisconnected(d)
	})
}

func (e *Engine) decode(f protocol.Frame, v any) bool {
	if err := f.Decode(v); err != nil {
		e.log.LogError(context.Background(), err, "decode "+f.Event)
		return false
	}
	return true
}

// apply runs the reducer and executes its effects.
func (e *Engine) apply(f protocol.Frame) {
	fx := e.reducer.Apply(f)
	if fx.Empty() {
		return
	}
	ctx := observability.WithCorrelationID(context.Background(), uuid.NewString())
	for _, id := range fx.MarkDelivered {
		if err := e.tr.Send(ctx, protocol.EventMarkDelivered, protocol.MessageRef{MessageID: id}); err != nil {
			e.log.LogError(ctx, err, protocol.EventMarkDelivered)
		}
	}
	for _, convID := range fx.MarkRead {
		go func() {
			if err := e.MarkRead(ctx, convID); err != nil && !errors.Is(err, ErrClosed) {
				e.report(err)
			}
		}()
	}
	if fx.Resync {
		go e.refreshConversations(ctx)
	}
}

// onConnected asks for the authoritative unread counts and refreshes the
// list and the open page, which may have missed events while offline.
func (e *Engine) onConnected() {
	ctx := observability.WithCorrelationID(context.Background(), uuid.NewString())
	e.log.LogConnect(ctx, e.local.ID, "")
	if err := e.tr.Send(ctx, protocol.EventUnreadCountRequest, struct{}{}); err != nil {
		e.log.LogError(ctx, err, protocol.EventUnreadCountRequest)
	}
	open := e.unread.OpenConversation()
	go func() {
		e.refreshConversations(ctx)
		if open == "" {
			return
		}
		msgs, err := e.records.FetchMessages(ctx, open, time.Time{}, e.opts.PageSize)
		if err != nil {
			e.report(err)
			return
		}
		e.post(func() { e.store.ReplacePage(open, msgs) })
	}()
}

func (e *Engine) onDisconnected(d protocol.Disconnect) {
	ctx := context.Background()
	e.log.LogDisconnect(ctx, d.Reason, d.ServerInitiated)
	e.calls.TransportLost(ctx)
	if !d.ServerInitiated {
		return
	}
	if d.CredentialRejected() {
		e.authExpired(models.NewFatalError("channel closed by service", models.ErrAuthRejected))
	}
	if e.opts.OnServerClosed != nil {
		e.opts.OnServerClosed(d)
	}
}

func (e *Engine) refreshConversations(ctx context.Context) {
	list, err := e.records.FetchConversations(ctx)
	if err != nil {
		e.report(err)
		return
	}
	e.post(func() { e.store.ReplaceConversations(list) })
}

func (e *Engine) authExpired(err error) {
	e.log.LogWarn(context.Background(), "credential rejected", map[string]any{"participant_id": e.local.ID})
	if e.opts.OnAuthExpired != nil {
		e.opts.OnAuthExpired(err)
	}
}

func (e *Engine) report(err error) {
	if errors.Is(err, models.ErrAuthRejected) {
		e.authExpired(err)
		return
	}
	e.log.LogError(context.Background(), err, "background")
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}
