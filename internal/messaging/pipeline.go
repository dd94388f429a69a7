// Package messaging applies local sends and inbound events to the cache:
// the optimistic send pipeline, the delivery status reducer and the unread
// counter synchronizer. Everything here runs on the engine loop.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"lectern/internal/cache"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"
	"lectern/internal/transport"

	"github.com/google/uuid"
)

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 10000

// Emitter sends an event and waits for its acknowledgement.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any, timeout time.Duration) (transport.Ack, error)
}

// Scheduler posts a task onto the engine loop.
type Scheduler func(task func())

// SendRequest is a user's composed message.
type SendRequest struct {
	ConversationID string
	Recipient      models.Ref
	Content        string
	Kind           models.ContentKind
}

// PipelineConfig holds pipeline settings.
type PipelineConfig struct {
	Local      models.Ref
	AckTimeout time.Duration
	Logger     *slog.Logger
	Metrics    *observability.SyncMetrics
}

// Pipeline is the Optimistic Send Pipeline.
type Pipeline struct {
	store      *cache.Store
	emitter    Emitter
	schedule   Scheduler
	local      models.Ref
	ackTimeout time.Duration
	newTempID  func() string
	now        func() time.Time
	log        *observability.SyncLogger
	metrics    *observability.SyncMetrics
}

// NewPipeline creates a Pipeline. schedule must run tasks on the loop that
// owns store writes.
func NewPipeline(store *cache.Store, emitter Emitter, schedule Scheduler, cfg PipelineConfig) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewSyncMetrics(nil)
	}
	return &Pipeline{
		store:      store,
		emitter:    emitter,
		schedule:   schedule,
		local:      cfg.Local,
		ackTimeout: cfg.AckTimeout,
		newTempID:  uuid.NewString,
		now:        time.Now,
		log:        observability.NewSyncLogger(cfg.Logger, "pipeline"),
		metrics:    cfg.Metrics,
	}
}

// Send inserts a pending entry and dispatches it. It returns the tempId
// as soon as the entry is visible; the outcome lands in the cache.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (string, error) {
	msg, err := p.prepare(req)
	if err != nil {
		return "", err
	}
	if err := p.store.InsertPending(msg); err != nil {
		return "", err
	}
	p.dispatch(ctx, msg)
	return msg.TempID, nil
}

// Retry re-dispatches a failed entry with its original tempId.
func (p *Pipeline) Retry(ctx context.Context, tempID string) error {
	msg, err := p.store.Retry(tempID)
	if err != nil {
		return err
	}
	p.metrics.OptimisticOutcomes.WithLabelValues("retried").Inc()
	p.dispatch(ctx, msg)
	return nil
}

// Confirm promotes the pending entry for tempID. It is called for the send
// ack and for an inbound echo, whichever comes first; the second is a no-op.
func (p *Pipeline) Confirm(tempID, id string, status models.Status, createdAt time.Time) bool {
	if status == models.StatusSending {
		status = models.StatusSent
	}
	if !p.store.Promote(tempID, id, status, createdAt) {
		return false
	}
	p.metrics.OptimisticOutcomes.WithLabelValues("confirmed").Inc()
	return true
}

// Validate checks a send request against the cached conversation.
func (p *Pipeline) Validate(req SendRequest) error {
	if req.ConversationID == "" {
		return models.NewValidationError("conversation is required")
	}
	if !req.Kind.Valid() {
		return models.NewValidationError(fmt.Sprintf("unknown content kind %q", req.Kind))
	}
	if err := ValidateContent(req.Content); err != nil {
		return err
	}
	if conv, ok := p.store.Conversation(req.ConversationID); ok {
		peer := conv.Peer(p.local.ID)
		if conv.IsBlocked(peer.ID) || conv.IsBlocked(p.local.ID) {
			return models.NewValidationError("conversation is blocked")
		}
	}
	return nil
}

// ValidateContent checks a message body. Edits use it too.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return models.NewValidationError("message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return models.NewValidationError(fmt.Sprintf("message content exceeds %d characters", MaxContentLength))
	}
	return nil
}

func (p *Pipeline) prepare(req SendRequest) (*models.Message, error) {
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	recipient := req.Recipient
	if recipient.ID == "" {
		conv, ok := p.store.Conversation(req.ConversationID)
		if !ok {
			return nil, models.NewNotFoundError("conversation", req.ConversationID)
		}
		recipient = conv.Peer(p.local.ID).Ref()
	}
	return &models.Message{
		TempID:         p.newTempID(),
		ConversationID: req.ConversationID,
		Sender:         p.local,
		Recipient:      recipient,
		Content:        req.Content,
		Kind:           req.Kind,
		Status:         models.StatusSending,
		CreatedAt:      p.now(),
	}, nil
}

// dispatch emits off-loop and posts the outcome back onto the loop.
func (p *Pipeline) dispatch(ctx context.Context, msg *models.Message) {
	payload := protocol.SendMessage{
		ConversationID: msg.ConversationID,
		RecipientID:    msg.Recipient.ID,
		RecipientType:  msg.Recipient.Type,
		Content:        msg.Content,
		ContentKind:    msg.Kind,
		TempID:         msg.TempID,
	}
	go func() {
		var confirmed protocol.SendAck
		ack, err := p.emitter.Emit(ctx, protocol.EventSendMessage, payload, p.ackTimeout)
		if err == nil {
			err = ack.Decode(&confirmed)
		}
		if err == nil && confirmed.ID == "" {
			err = errors.New("send ack without message id")
		}
		p.schedule(func() { p.settle(ctx, msg.TempID, confirmed, err) })
	}()
}

func (p *Pipeline) settle(ctx context.Context, tempID string, ack protocol.SendAck, err error) {
	if err != nil {
		if p.store.MarkFailed(tempID) {
			p.metrics.OptimisticOutcomes.WithLabelValues("failed").Inc()
			p.log.LogWarn(ctx, "send failed", map[string]any{"temp_id": tempID, "error": err.Error()})
		}
		return
	}
	p.Confirm(tempID, ack.ID, ack.Status, ack.CreatedAt)
}
