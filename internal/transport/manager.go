// Package transport owns the single authenticated realtime channel to the
// sync service: connect/disconnect, acknowledged emits, fire-and-forget
// sends, event listeners and reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of the channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateUnauthorized means the credential was rejected. Only a Connect
	// with a new credential leaves it.
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "disconnected"
	}
}

// Config holds channel settings.
type Config struct {
	URL            string
	AckTimeout     time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	ReconnectEvery time.Duration
	ReconnectBurst int
	DialTimeout    time.Duration
}

// DefaultConfig returns the production settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		AckTimeout:     10 * time.Second,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     256,
		ReconnectEvery: 2 * time.Second,
		ReconnectBurst: 1,
		DialTimeout:    15 * time.Second,
	}
}

// Handler receives inbound frames and the local connect/disconnect events.
type Handler func(protocol.Frame)

// Subscription identifies a registered handler.
type Subscription struct {
	event string
	id    uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Ack is a successful acknowledgement.
type Ack struct {
	Payload json.RawMessage
}

// Decode unmarshals the acknowledgement payload into v.
func (a Ack) Decode(v any) error {
	if len(a.Payload) == 0 {
		return errors.New("ack: empty payload")
	}
	return json.Unmarshal(a.Payload, v)
}

// AckError is a failure acknowledgement. It carries the server's message.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = observability.NewSyncLogger(l, "transport") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.SyncMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// Manager is the Transport Manager. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	log     *observability.SyncLogger
	metrics *observability.SyncMetrics
	limiter *rate.Limiter

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu           sync.Mutex
	sess         *session
	state        State
	credential   string
	userClosed   bool
	reconnecting bool
	pending      map[string]chan protocol.Frame

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

// New creates a Manager. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig(cfg.URL)
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReconnectEvery <= 0 {
		cfg.ReconnectEvery = def.ReconnectEvery
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		log:        observability.NewSyncLogger(nil, "transport"),
		metrics:    observability.NewSyncMetrics(nil),
		limiter:    rate.NewLimiter(rate.Every(cfg.ReconnectEvery), cfg.ReconnectBurst),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		pending:    make(map[string]chan protocol.Frame),
		handlers:   make(map[string][]handlerEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AckTimeout returns the default acknowledgement budget.
func (m *Manager) AckTimeout() time.Duration {
	return m.cfg.AckTimeout
}

// Connect binds credential and opens the channel. It is a no-op when the same
// credential is already bound to a live channel; a different credential
// replaces the old channel.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return models.NewValidationError("credential is required")
	}

	m.mu.Lock()
	if m.credential == credential && (m.state == StateConnected || m.state == StateConnecting) {
		m.mu.Unlock()
		return nil
	}
	if credentialExpired(credential, time.Now()) {
		m.state = StateUnauthorized
		m.mu.Unlock()
		return models.NewFatalError("credential expired", models.ErrAuthRejected)
	}
	old := m.sess
	m.sess = nil
	m.failPendingLocked()
	m.credential = credential
	m.userClosed = false
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	return m.dial(ctx, credential)
}

// Disconnect closes the channel. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.userClosed = true
	s := m.sess
	m.sess = nil
	m.failPendingLocked()
	if m.state != StateUnauthorized {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	s.close()
	m.log.LogDisconnect(context.Background(), "client disconnect", false)
	m.dispatchLifecycle(protocol.EventDisconnect, protocol.Disconnect{Reason: "client disconnect"})
	return nil
}

// Close disconnects and stops any pending reconnect for good.
func (m *Manager) Close() error {
	m.lifeCancel()
	return m.Disconnect()
}

// On registers fn for event. Handlers run on the read pump goroutine in
// arrival order and must not block.
func (m *Manager) On(event string, fn Handler) Subscription {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextID++
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: m.nextID, fn: fn})
	return Subscription{event: event, id: m.nextID}
}

// Off removes a handler registered with On.
func (m *Manager) Off(sub Subscription) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	entries := m.handlers[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			m.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit sends event and waits for its acknowledgement. A non-positive timeout
// uses the configured AckTimeout.
func (m *Manager) Emit(ctx context.Context, event string, payload any, timeout time.Duration) (Ack, error) {
	if timeout <= 0 {
		timeout = m.cfg.AckTimeout
	}
	ctx, span := observability.TraceEmit(ctx, event)
	defer span.End()

	ackID := uuid.NewString()
	frame, err := protocol.NewFrame(event, ackID, payload)
	if err != nil {
		return Ack{}, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal %s frame: %w", event, err)
	}

	ch := make(chan protocol.Frame, 1)
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return Ack{}, models.NewTransportError(event, models.ErrNotConnected)
	}
	m.pending[ackID] = ch
	m.mu.Unlock()

	if err := m.enqueue(ctx, s, data); err != nil {
		m.dropPending(ackID)
		return Ack{}, models.NewTransportError(event, err)
	}
	m.metrics.Emits.WithLabelValues(event).Inc()
	m.log.LogEvent(ctx, "out", event)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return Ack{}, models.NewTransportError(event, models.ErrNotConnected)
		}
		if f.Error != "" {
			return Ack{}, &AckError{Event: event, Message: f.Error}
		}
		return Ack{Payload: f.Payload}, nil
	case <-timer.C:
		m.dropPending(ackID)
		m.metrics.AckTimeouts.WithLabelValues(event).Inc()
		return Ack{}, models.NewTransportError(event, models.ErrAckTimeout)
	case <-ctx.Done():
		m.dropPending(ackID)
		return Ack{}, ctx.Err()
	}
}

// Send writes event without waiting for an acknowledgement.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return models.NewTransportError(event, models.ErrNotConnected)
	}
	if err := m.enqueue(ctx, s, data); err != nil {
		return models.NewTransportError(event, err)
	}
	m.metrics.Emits.WithLabelValues(event).Inc()
	m.log.LogEvent(ctx, "out", event)
	return nil
}

func (m *Manager) enqueue(ctx context.Context, s *session, data []byte) error {
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return models.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dial(ctx context.Context, credential string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.credential != credential {
			return models.NewTransportError("dial superseded", err)
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			m.state = StateUnauthorized
			return models.NewFatalError("handshake rejected", models.ErrAuthRejected)
		}
		m.state = StateDisconnected
		return models.NewTransportError("dial sync channel", err)
	}

	s := newSession(conn, m.cfg.SendBuffer)

	m.mu.Lock()
	if m.credential != credential || m.userClosed {
		m.mu.Unlock()
		_ = conn.Close()
		return models.NewTransportError("dial superseded", models.ErrNotConnected)
	}
	if m.sess != nil {
		// A concurrent dial with the same credential won.
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.sess = s
	m.state = StateConnected
	m.mu.Unlock()

	m.log.LogConnect(ctx, credentialSubject(credential), m.cfg.URL)
	m.dispatchLifecycle(protocol.EventConnect, nil)

	go m.writePump(s)
	go m.readPump(s)
	return nil
}

// onDrop runs once per session when its read pump ends.
func (m *Manager) onDrop(s *session, err error) {
	ev := protocol.Disconnect{Reason: "transport error"}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		ev.ServerInitiated = true
		ev.Code = closeErr.Code
		ev.Reason = closeErr.Text
		if ev.Reason == "" {
			ev.Reason = "server closed"
		}
	}

	m.mu.Lock()
	if m.sess != s {
		// Replaced or closed by Connect/Disconnect.
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.failPendingLocked()
	// Only a lost connection is redialed. After a close from the service the
	// session layer decides when to Connect again.
	retry := false
	switch {
	case ev.CredentialRejected():
		m.state = StateUnauthorized
	case ev.ServerInitiated:
		m.state = StateDisconnected
	default:
		m.state = StateDisconnected
		retry = !m.userClosed && !m.reconnecting
		if retry {
			m.reconnecting = true
		}
	}
	m.mu.Unlock()

	m.log.LogDisconnect(context.Background(), ev.Reason, ev.ServerInitiated)
	m.dispatchLifecycle(protocol.EventDisconnect, ev)

	if retry {
		go m.reconnect()
	}
}

// reconnect redials with the bound credential until it succeeds, the
// credential is rejected, or the manager is closed.
func (m *Manager) reconnect() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		if err := m.limiter.Wait(m.lifeCtx); err != nil {
			return
		}

		m.mu.Lock()
		if m.userClosed || m.sess != nil || m.state == StateUnauthorized {
			m.mu.Unlock()
			return
		}
		credential := m.credential
		m.state = StateConnecting
		m.mu.Unlock()

		err := m.dial(m.lifeCtx, credential)
		if err == nil {
			m.metrics.Reconnects.Inc()
			return
		}
		if errors.Is(err, models.ErrAuthRejected) {
			m.log.LogWarn(m.lifeCtx, "reconnect rejected, waiting for a new credential", nil)
			return
		}
		m.log.LogError(m.lifeCtx, err, "reconnect")
	}
}

func (m *Manager) resolveAck(f protocol.Frame) {
	m.mu.Lock()
	ch, ok := m.pending[f.AckID]
	delete(m.pending, f.AckID)
	m.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (m *Manager) dropPending(ackID string) {
	m.mu.Lock()
	delete(m.pending, ackID)
	m.mu.Unlock()
}

// failPendingLocked resolves every outstanding emit with ErrNotConnected.
func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

func (m *Manager) dispatch(f protocol.Frame) {
	m.hmu.RLock()
	entries := append([]handlerEntry(nil), m.handlers[f.Event]...)
	m.hmu.RUnlock()
	for _, e := range entries {
		e.fn(f)
	}
}

func (m *Manager) dispatchLifecycle(event string, payload any) {
	f, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		m.log.LogError(context.Background(), err, "lifecycle "+event)
		return
	}
	m.dispatch(f)
}
