package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"lectern/internal/models"
	"lectern/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per participant
	maxConnsPerParticipant = 12
	// Max total connections
	maxTotalConns = 10000
)

var (
	errServerFull      = errors.New("server connection limit reached")
	errParticipantFull = errors.New("participant connection limit reached")
)

// Hub maps participant ids to their live connections.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int

	notifier *Notifier
	metrics  *observability.RelayMetrics
	log      *slog.Logger
}

// NewHub creates a Hub. A nil or disabled notifier delivers in-process only.
func NewHub(notifier *Notifier, metrics *observability.RelayMetrics, log *slog.Logger) *Hub {
	if metrics == nil {
		metrics = observability.NewRelayMetrics(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		notifier: notifier,
		metrics:  metrics,
		log:      log,
	}
}

// Register adds a connection for p. Returns an error if limits are exceeded.
func (h *Hub) Register(p models.Participant, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, errServerFull
	}
	m, ok := h.conns[p.ID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[p.ID] = m
	}
	if len(m) >= maxConnsPerParticipant {
		return nil, errParticipantFull
	}

	client := newClient(h, conn, p)
	m[client] = struct{}{}
	h.totalConns++
	h.metrics.Connections.Inc()
	return client, nil
}

// Unregister removes a connection. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if m, ok := h.conns[client.Participant.ID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			h.metrics.Connections.Dec()
		}
		if len(m) == 0 {
			delete(h.conns, client.Participant.ID)
		}
	}
	h.mu.Unlock()
	client.stop()
}

// Online reports whether participantID has a connection on this instance.
func (h *Hub) Online(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[participantID]) > 0
}

// Deliver sends data to every connection of participantID except skip.
// With Redis wired the frame travels through the participant channel so the
// connections held by other instances receive it too.
func (h *Hub) Deliver(ctx context.Context, participantID string, data []byte, skip *Client) {
	env := envelope{Data: data}
	if skip != nil {
		env.Skip = skip.ID
	}
	if h.notifier.Enabled() {
		err := h.notifier.Publish(ctx, participantID, env)
		if err == nil {
			return
		}
		h.log.Warn("fan-out failed, delivering locally",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()),
		)
	}
	h.deliverLocal(participantID, env)
}

func (h *Hub) deliverLocal(participantID string, env envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns[participantID]))
	for c := range h.conns[participantID] {
		if c.ID != env.Skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.TrySend(env.Data)
	}
}

// StartWiring subscribes the hub to the participant channels.
func (h *Hub) StartWiring(ctx context.Context) error {
	if !h.notifier.Enabled() {
		return nil
	}
	return h.notifier.Subscribe(ctx, h.deliverLocal)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, h.totalConns)
	for _, m := range h.conns {
		for c := range m {
			clients = append(clients, c)
		}
	}
	h.conns = make(map[string]map[*Client]struct{})
	h.metrics.Connections.Sub(float64(h.totalConns))
	h.totalConns = 0
	h.mu.Unlock()

	for _, c := range clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}
