package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"lectern/internal/call"
	"lectern/internal/featureflags"
	"lectern/internal/media"
	"lectern/internal/messaging"
	"lectern/internal/models"
	"lectern/internal/protocol"
	"lectern/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	student   = models.Participant{ID: "s1", Type: models.ParticipantStudent, Name: "Sam"}
	librarian = models.Participant{ID: "lib", Type: models.ParticipantLibrarian, Name: "Lee"}
	t0        = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type outbound struct {
	event   string
	payload any
	acked   bool
}

// fakeTransport stands in for the channel. Inject delivers a frame to the
// registered handlers as the read pump would.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]transport.Handler
	out      []outbound
	connErr  error
	emitErr  error
	state    transport.State
	reply    func(event string, payload any) (transport.Ack, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return f.connErr
	}
	f.state = transport.StateConnected
	return nil
}

func (f *fakeTransport) Disconnect() error { return nil }
func (f *fakeTransport) Close() error      { return nil }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) On(event string, fn transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
	return transport.Subscription{}
}

func (f *fakeTransport) Off(transport.Subscription) {}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any, _ time.Duration) (transport.Ack, error) {
	f.mu.Lock()
	f.out = append(f.out, outbound{event: event, payload: payload, acked: true})
	reply, emitErr := f.reply, f.emitErr
	f.mu.Unlock()
	if emitErr != nil {
		return transport.Ack{}, emitErr
	}
	if reply != nil {
		return reply(event, payload)
	}
	return transport.Ack{}, nil
}

func (f *fakeTransport) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, outbound{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Inject(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(event, "", payload)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (f *fakeTransport) sent(event string) []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbound
	for _, o := range f.out {
		if o.event == event {
			out = append(out, o)
		}
	}
	return out
}

type fakeRecords struct {
	mu            sync.Mutex
	credential    string
	conversations []*models.Conversation
	pages         map[string][]*models.Message
	listCalls     int
	fetchBefore   []time.Time
	markedRead    []string
	wiped         []string
	uploaded      []string
}

func (f *fakeRecords) SetCredential(c string) {
	f.mu.Lock()
	f.credential = c
	f.mu.Unlock()
}

func (f *fakeRecords) FetchConversations(context.Context) ([]*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*models.Conversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (f *fakeRecords) GetOrCreateConversation(_ context.Context, target models.Ref) (*models.Conversation, error) {
	return &models.Conversation{
		ID:           "c-new",
		Participants: [2]models.Participant{student, {ID: target.ID, Type: target.Type}},
	}, nil
}

func (f *fakeRecords) FetchMessages(_ context.Context, convID string, before time.Time, _ int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchBefore = append(f.fetchBefore, before)
	if !before.IsZero() {
		return nil, nil
	}
	var out []*models.Message
	for _, m := range f.pages[convID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakeRecords) MarkAsRead(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, convID)
	return nil
}

func (f *fakeRecords) WipeConversation(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wiped = append(f.wiped, convID)
	return nil
}

func (f *fakeRecords) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, filename)
	return "http://relay/uploads/" + filename, nil
}

type stubMedia struct {
	video bool
}

func (s *stubMedia) AttachLocal(_ context.Context, video bool) error {
	s.video = video
	return nil
}

func (s *stubMedia) CreateOffer(context.Context) (string, error) { return "offer", nil }
func (s *stubMedia) CreateAnswer(context.Context, string) (string, error) { return "answer", nil }
func (s *stubMedia) ApplyAnswer(string) error { return nil }
func (s *stubMedia) AddRemoteCandidate(protocol.Candidate) error { return nil }
func (s *stubMedia) Close() error { return nil }

type harness struct {
	engine  *Engine
	tr      *fakeTransport
	records *fakeRecords
	media   *stubMedia
	authErr chan error
	closed  chan protocol.Disconnect
}

func newHarness(t *testing.T, flags string) *harness {
	t.Helper()
	h := &harness{
		tr: newFakeTransport(),
		records: &fakeRecords{
			conversations: []*models.Conversation{
				{ID: "c1", Participants: [2]models.Participant{student, librarian}, LastMessageAt: t0},
			},
			pages: map[string][]*models.Message{
				"c1": {
					{ID: "m1", ConversationID: "c1", Sender: librarian.Ref(), Recipient: student.Ref(), Content: "hello", Kind: models.KindText, Status: models.StatusDelivered, CreatedAt: t0},
				},
			},
		},
		media:   &stubMedia{},
		authErr: make(chan error, 1),
		closed:  make(chan protocol.Disconnect, 4),
	}
	h.tr.reply = func(event string, payload any) (transport.Ack, error) {
		if event != protocol.EventSendMessage {
			return transport.Ack{}, nil
		}
		p := payload.(protocol.SendMessage)
		raw, _ := json.Marshal(protocol.SendAck{ID: "srv-" + p.TempID, TempID: p.TempID, Status: models.StatusSent, CreatedAt: t0})
		return transport.Ack{Payload: raw}, nil
	}

	e, err := New(Options{
		Local:     student,
		Transport: h.tr,
		Records:   h.records,
		Sessions: func(string, media.Hooks) (call.MediaSession, error) {
			return h.media, nil
		},
		Flags:          featureflags.NewManager(flags),
		OnAuthExpired:  func(err error) { h.authErr <- err },
		OnServerClosed: func(d protocol.Disconnect) { h.closed <- d },
	})
	require.NoError(t, err)
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// connect simulates the connect lifecycle event and waits for the list refresh.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Connect(context.Background(), "token"))
	h.tr.Inject(t, protocol.EventConnect, struct{}{})
	require.Eventually(t, func() bool {
		return h.engine.Cache().HasConversation("c1")
	}, time.Second, 5*time.Millisecond)
}

func TestConnect_RequestsSnapshotAndRefreshes(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	assert.Equal(t, "token", h.records.credential)
	assert.Len(t, h.tr.sent(protocol.EventUnreadCountRequest), 1)
}

func TestConnect_AuthRejected(t *testing.T) {
	h := newHarness(t, "")
	h.tr.connErr = models.NewFatalError("credential expired", models.ErrAuthRejected)

	err := h.engine.Connect(context.Background(), "stale")
	assert.ErrorIs(t, err, models.ErrAuthRejected)
	select {
	case got := <-h.authErr:
		assert.ErrorIs(t, got, models.ErrAuthRejected)
	case <-time.After(time.Second):
		t.Fatal("auth expiry not surfaced")
	}
}

func TestSendMessage_Confirmed(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	tempID, err := h.engine.SendMessage(context.Background(), messaging.SendRequest{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, tempID)

	require.Eventually(t, func() bool {
		m, ok := h.engine.Cache().Message("srv-" + tempID)
		return ok && m.Status == models.StatusSent
	}, time.Second, 5*time.Millisecond)

	sent := h.tr.sent(protocol.EventSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, librarian.ID, sent[0].payload.(protocol.SendMessage).RecipientID)
}

func TestSendAttachment_UploadsThenSendsURL(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	_, err := h.engine.SendAttachment(context.Background(), "c1", "scan.png", strings.NewReader("png"), models.KindImage)
	require.NoError(t, err)

	sent := h.tr.sent(protocol.EventSendMessage)
	require.Len(t, sent, 1)
	p := sent[0].payload.(protocol.SendMessage)
	assert.Equal(t, "http://relay/uploads/scan.png", p.Content)
	assert.Equal(t, models.KindImage, p.ContentKind)

	_, err = h.engine.SendAttachment(context.Background(), "c1", "x", strings.NewReader("x"), models.KindText)
	assert.True(t, models.IsCode(err, models.CodeValidation))
}

func TestInbound_UnreadOutsideOpenConversation(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	h.tr.Inject(t, protocol.EventNewMessage, models.Message{
		ID: "m9", ConversationID: "c1", Sender: librarian.Ref(), Recipient: student.Ref(),
		Content: "ping", Kind: models.KindText, Status: models.StatusSent, CreatedAt: t0.Add(time.Minute),
	})

	require.Eventually(t, func() bool { return h.engine.Cache().TotalUnread() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.tr.sent(protocol.EventMarkDelivered))
}

func TestInbound_OpenConversationMarksDeliveredAndRead(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)
	require.NoError(t, h.engine.OpenConversation(context.Background(), "c1"))
	before := len(h.tr.sent(protocol.EventMarkReadAll))

	h.tr.Inject(t, protocol.EventNewMessage, models.Message{
		ID: "m9", ConversationID: "c1", Sender: librarian.Ref(), Recipient: student.Ref(),
		Content: "ping", Kind: models.KindText, Status: models.StatusSent, CreatedAt: t0.Add(time.Minute),
	})

	require.Eventually(t, func() bool {
		return len(h.tr.sent(protocol.EventMarkDelivered)) == 1 &&
			len(h.tr.sent(protocol.EventMarkReadAll)) == before+1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		m, ok := h.engine.Cache().Message("m9")
		return ok && m.Status == models.StatusRead
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.engine.Cache().TotalUnread())
}

func TestOpenConversation_LoadsPageAndMarksRead(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	require.NoError(t, h.engine.OpenConversation(context.Background(), "c1"))

	msgs := h.engine.Cache().Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, models.StatusRead, msgs[0].Status, "inbound page is read once opened")
	assert.Len(t, h.tr.sent(protocol.EventMarkReadAll), 1)

	err := h.engine.OpenConversation(context.Background(), "missing")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestMarkRead_FallsBackToREST(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)
	h.tr.emitErr = models.NewTransportError("emit", models.ErrNotConnected)

	require.NoError(t, h.engine.MarkRead(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, h.records.markedRead)
}

func TestLoadOlder_UsesOldestLoaded(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)
	require.NoError(t, h.engine.OpenConversation(context.Background(), "c1"))

	n, err := h.engine.LoadOlder(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, h.records.fetchBefore, 2)
	assert.True(t, h.records.fetchBefore[1].Equal(t0))
}

func TestStartAndWipeConversation(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	conv, err := h.engine.StartConversation(context.Background(), models.Ref{ID: "adm", Type: models.ParticipantAdmin})
	require.NoError(t, err)
	assert.Equal(t, "c-new", conv.ID)
	assert.True(t, h.engine.Cache().HasConversation("c-new"))

	_, err = h.engine.StartConversation(context.Background(), student.Ref())
	assert.True(t, models.IsCode(err, models.CodeValidation))

	require.NoError(t, h.engine.WipeConversation(context.Background(), "c-new"))
	assert.False(t, h.engine.Cache().HasConversation("c-new"))
	assert.Equal(t, []string{"c-new"}, h.records.wiped)
}

func TestUnknownConversationTriggersResync(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)
	h.records.mu.Lock()
	h.records.conversations = append(h.records.conversations, &models.Conversation{
		ID: "c2", Participants: [2]models.Participant{student, {ID: "adm", Type: models.ParticipantAdmin}},
	})
	h.records.mu.Unlock()

	h.tr.Inject(t, protocol.EventNewMessage, models.Message{
		ID: "x1", ConversationID: "c2", Sender: models.Ref{ID: "adm"}, Recipient: student.Ref(),
		Content: "hi", Kind: models.KindText, Status: models.StatusSent, CreatedAt: t0,
	})
	require.Eventually(t, func() bool { return h.engine.Cache().HasConversation("c2") }, time.Second, 5*time.Millisecond)
}

func TestPlaceCall_VideoGatedByFlag(t *testing.T) {
	tests := []struct {
		name  string
		flags string
		want  bool
	}{
		{"enabled", "video_calls=on", true},
		{"disabled", "video_calls=off", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.flags)
			h.connect(t)

			id, err := h.engine.PlaceCall(context.Background(), "c1", true)
			require.NoError(t, err)
			assert.NotEmpty(t, id)
			assert.Equal(t, tt.want, h.media.video)

			sent := h.tr.sent(protocol.EventCallInitiate)
			require.Len(t, sent, 1)
			init := sent[0].payload.(protocol.CallInitiate)
			assert.Equal(t, tt.want, init.Video)
			assert.Equal(t, librarian.ID, init.To.ID)
			assert.Equal(t, models.CallOutgoingRinging, h.engine.Calls().State())
		})
	}
}

func TestIncomingCall_AcceptAndRemoteHangup(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	h.tr.Inject(t, protocol.EventCallIncoming, protocol.CallIncoming{CallID: "k1", From: librarian, SDP: "offer"})
	require.Eventually(t, func() bool {
		return h.engine.Calls().State() == models.CallIncomingRinging
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.AcceptCall(context.Background(), false))
	assert.Equal(t, models.CallActive, h.engine.Calls().State())
	assert.Len(t, h.tr.sent(protocol.EventCallAccept), 1)

	h.tr.Inject(t, protocol.EventCallEnded, protocol.CallHangup{CallID: "k1", Status: models.OutcomeCompleted, Duration: 3})
	require.Eventually(t, func() bool {
		return h.engine.Calls().State() == models.CallIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.OutcomeCompleted, h.engine.Calls().Last().Outcome)
}

func TestDisconnect_CredentialRejected(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)
	_, err := h.engine.PlaceCall(context.Background(), "c1", false)
	require.NoError(t, err)

	h.tr.Inject(t, protocol.EventDisconnect, protocol.Disconnect{
		Reason: "credential rejected", ServerInitiated: true, Code: protocol.CloseCredentialRejected,
	})

	select {
	case got := <-h.authErr:
		assert.ErrorIs(t, got, models.ErrAuthRejected)
	case <-time.After(time.Second):
		t.Fatal("auth expiry not surfaced")
	}
	require.Eventually(t, func() bool {
		return h.engine.Calls().State() == models.CallIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.OutcomeFailed, h.engine.Calls().Last().Outcome)
	require.Eventually(t, func() bool { return len(h.closed) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnect_ServerClosedReachesSessionLayer(t *testing.T) {
	h := newHarness(t, "")
	h.connect(t)

	h.tr.Inject(t, protocol.EventDisconnect, protocol.Disconnect{Reason: "transport error"})
	h.tr.Inject(t, protocol.EventDisconnect, protocol.Disconnect{
		Reason: "slow consumer", ServerInitiated: true, Code: 1013,
	})

	select {
	case d := <-h.closed:
		assert.Equal(t, 1013, d.Code)
		assert.Equal(t, "slow consumer", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("server close not surfaced")
	}
	assert.Empty(t, h.closed, "a lost connection is the transport's to redial")
	assert.Empty(t, h.authErr, "only 4001 means the credential was rejected")
}

func TestClose_StopsIntents(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.engine.Close())
	_, err := h.engine.SendMessage(context.Background(), messaging.SendRequest{ConversationID: "c1", Content: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}
