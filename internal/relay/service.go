package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lectern/internal/messaging"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"go.opentelemetry.io/otel/codes"
)

// Service applies inbound frames to the store and routes the resulting
// events to the connections of both participants.
type Service struct {
	store   *Store
	hub     *Hub
	calls   *CallRegistry
	metrics *observability.RelayMetrics
	log     *slog.Logger
	now     func() time.Time
}

// NewService wires a Service.
func NewService(store *Store, hub *Hub, calls *CallRegistry, metrics *observability.RelayMetrics, log *slog.Logger) *Service {
	if metrics == nil {
		metrics = observability.NewRelayMetrics(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		hub:     hub,
		calls:   calls,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

type handlerFunc func(ctx context.Context, c *Client, f protocol.Frame) (any, error)

func (s *Service) handler(event string) (handlerFunc, bool) {
	switch event {
	case protocol.EventSendMessage:
		return s.sendMessage, true
	case protocol.EventMarkDelivered:
		return s.markDelivered, true
	case protocol.EventMarkReadAll:
		return s.markReadAll, true
	case protocol.EventEditMessage:
		return s.editMessage, true
	case protocol.EventDeleteMessage:
		return s.deleteMessage, true
	case protocol.EventReactMessage:
		return s.reactMessage, true
	case protocol.EventUnreadCountRequest:
		return s.unreadSnapshot, true
	case protocol.EventCallInitiate:
		return s.callInitiate, true
	case protocol.EventCallAccept:
		return s.callAccept, true
	case protocol.EventCallReject:
		return s.callReject, true
	case protocol.EventCallHangup:
		return s.callHangup, true
	case protocol.EventCallICECandidate:
		return s.callCandidate, true
	}
	return nil, false
}

// Handle processes one raw frame from c and acknowledges it when the frame
// carries an ack id.
func (s *Service) Handle(ctx context.Context, c *Client, raw []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.log.Warn("malformed frame", slog.String("participant_id", c.Participant.ID), slog.String("error", err.Error()))
		return
	}

	h, ok := s.handler(f.Event)
	if !ok {
		s.reply(c, f.AckID, nil, fmt.Errorf("unknown event %q", f.Event))
		return
	}
	s.metrics.Events.WithLabelValues(f.Event).Inc()

	ctx, span := observability.TraceRelayEvent(ctx, f.Event)
	defer span.End()

	payload, err := h(ctx, c, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		var appErr *models.AppError
		if !errors.As(err, &appErr) {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "event failed",
			slog.String("event", f.Event),
			slog.String("participant_id", c.Participant.ID),
			slog.String("error", err.Error()),
		)
	}
	s.reply(c, f.AckID, payload, err)
}

func (s *Service) reply(c *Client, ackID string, payload any, err error) {
	if ackID == "" {
		return
	}
	ack, mErr := protocol.AckFrame(ackID, payload, err)
	if mErr != nil {
		s.log.Error("build ack", slog.String("error", mErr.Error()))
		return
	}
	raw, mErr := json.Marshal(ack)
	if mErr != nil {
		return
	}
	c.TrySend(raw)
}

// push delivers an event to every connection of participantID except skip.
func (s *Service) push(ctx context.Context, participantID string, skip *Client, event string, payload any) {
	f, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		s.log.Error("build frame", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.hub.Deliver(ctx, participantID, raw, skip)
}

func (s *Service) sendMessage(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.SendMessage
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if req.ContentKind == "" {
		req.ContentKind = models.KindText
	}
	if !req.ContentKind.Valid() || req.ContentKind == models.KindCall {
		return nil, models.NewValidationError(fmt.Sprintf("content kind %q cannot be sent", req.ContentKind))
	}
	if err := messaging.ValidateContent(req.Content); err != nil {
		return nil, err
	}

	conv, err := s.store.Conversation(ctx, req.ConversationID, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	peer := conv.Peer(c.Participant.ID)
	if req.RecipientID != "" && req.RecipientID != peer.ID {
		return nil, models.NewValidationError("recipient is not part of the conversation")
	}

	saved, created, err := s.store.SaveMessage(ctx, &models.Message{
		TempID:         req.TempID,
		ConversationID: conv.ID,
		Sender:         c.Participant.Ref(),
		Recipient:      peer.Ref(),
		Content:        req.Content,
		Kind:           req.ContentKind,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.push(ctx, peer.ID, nil, protocol.EventNewMessage, saved)
		s.push(ctx, c.Participant.ID, c, protocol.EventNewMessage, saved)
	}
	return protocol.SendAck{ID: saved.ID, TempID: req.TempID, Status: saved.Status, CreatedAt: saved.CreatedAt}, nil
}

func (s *Service) markDelivered(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var ref protocol.MessageRef
	if err := f.Decode(&ref); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	m, changed, err := s.store.MarkDelivered(ctx, ref.MessageID, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.push(ctx, m.Sender.ID, nil, protocol.EventStatusUpdate, protocol.StatusUpdate{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			Status:         models.StatusDelivered,
			TempID:         m.TempID,
		})
	}
	return nil, nil
}

type markReadResult struct {
	Updated int64 `json:"updated"`
}

func (s *Service) markReadAll(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var ref protocol.ConversationRef
	if err := f.Decode(&ref); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	n, err := s.MarkRead(ctx, c.Participant.ID, ref.ConversationID, c)
	if err != nil {
		return nil, err
	}
	return markReadResult{Updated: n}, nil
}

// MarkRead marks the reader's inbound messages read. The author learns it
// through a bulk READ update; the reader's other connections get the same
// update so they can clear their counters.
func (s *Service) MarkRead(ctx context.Context, readerID, convID string, skip *Client) (int64, error) {
	conv, err := s.store.Conversation(ctx, convID, readerID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, convID, readerID)
	if err != nil {
		return 0, err
	}
	ev := protocol.BulkStatusUpdate{ConversationID: convID, Status: models.StatusRead, ReaderID: readerID}
	if n > 0 {
		s.push(ctx, conv.Peer(readerID).ID, nil, protocol.EventStatusUpdateBulk, ev)
	}
	s.push(ctx, readerID, skip, protocol.EventStatusUpdateBulk, ev)
	return n, nil
}

func (s *Service) editMessage(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.EditMessage
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if err := messaging.ValidateContent(req.Content); err != nil {
		return nil, err
	}
	m, err := s.store.EditMessage(ctx, req.MessageID, c.Participant.ID, req.Content)
	if err != nil {
		return nil, err
	}
	ev := protocol.MessageEdited{MessageID: m.ID, ConversationID: m.ConversationID, Content: m.Content, EditedAt: *m.EditedAt}
	s.push(ctx, m.Recipient.ID, nil, protocol.EventMessageEdited, ev)
	s.push(ctx, m.Sender.ID, c, protocol.EventMessageEdited, ev)
	return ev, nil
}

func (s *Service) deleteMessage(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var ref protocol.MessageRef
	if err := f.Decode(&ref); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	m, err := s.store.DeleteMessage(ctx, ref.MessageID, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	ev := protocol.MessageDeleted{MessageID: m.ID, ConversationID: m.ConversationID}
	s.push(ctx, m.Recipient.ID, nil, protocol.EventMessageDeleted, ev)
	s.push(ctx, m.Sender.ID, c, protocol.EventMessageDeleted, ev)
	return ev, nil
}

func (s *Service) reactMessage(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.ReactMessage
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if req.Emoji == "" {
		return nil, models.NewValidationError("emoji is required")
	}
	m, err := s.store.ToggleReaction(ctx, req.MessageID, c.Participant.ID, req.Emoji)
	if err != nil {
		return nil, err
	}
	ev := protocol.ReactionUpdated{MessageID: m.ID, ConversationID: m.ConversationID, Reactions: m.Reactions}
	for _, id := range []string{m.Sender.ID, m.Recipient.ID} {
		var skip *Client
		if id == c.Participant.ID {
			skip = c
		}
		s.push(ctx, id, skip, protocol.EventReactionUpdated, ev)
	}
	return ev, nil
}

func (s *Service) unreadSnapshot(ctx context.Context, c *Client, _ protocol.Frame) (any, error) {
	counts, err := s.store.UnreadCounts(ctx, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	snap := protocol.UnreadSnapshot{Conversations: counts}
	for _, n := range counts {
		snap.Total += n
	}
	f, err := protocol.NewFrame(protocol.EventUnreadCountSnapshot, "", snap)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	c.TrySend(raw)
	return snap, nil
}
