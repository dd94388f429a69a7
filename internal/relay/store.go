package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lectern/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 30
	maxPageSize     = 200
)

// Store is the relay's record repository.
type Store struct {
	db    *gorm.DB
	newID func() string
	now   func() time.Time
}

// NewStore wraps an opened and migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// isUniqueViolation reports a unique constraint race. Postgres reports
// SQLSTATE 23505; sqlite only has the message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// EnsureParticipant inserts p or refreshes its display fields.
func (s *Store) EnsureParticipant(ctx context.Context, p models.Participant) error {
	rec := participantRecord{ID: p.ID, Type: p.Type, Name: p.Name, Avatar: p.Avatar}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "name", "avatar", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("ensure participant %s: %w", p.ID, err)
	}
	return nil
}

// Participant returns one participant.
func (s *Store) Participant(ctx context.Context, id string) (models.Participant, error) {
	var rec participantRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Participant{}, models.NewNotFoundError("participant", id)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("load participant %s: %w", id, err)
	}
	return rec.model(), nil
}

// GetOrCreateConversation returns the 1:1 conversation between viewer and
// target, creating it when it does not exist yet.
func (s *Store) GetOrCreateConversation(ctx context.Context, viewerID string, target models.Ref) (*models.Conversation, error) {
	if target.ID == "" {
		return nil, models.NewValidationError("target_id is required")
	}
	if target.ID == viewerID {
		return nil, models.NewValidationError("cannot start a conversation with yourself")
	}
	peer, err := s.Participant(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if target.Type != "" && peer.Type != target.Type {
		return nil, models.NewValidationError(fmt.Sprintf("participant %s is not a %s", target.ID, target.Type))
	}

	key := pairKey(viewerID, target.ID)
	rec, err := s.conversationByPair(ctx, key)
	if err == nil {
		return s.hydrateOne(ctx, viewerID, rec)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}

	first, second := viewerID, target.ID
	if second < first {
		first, second = second, first
	}
	now := s.now()
	rec = conversationRecord{
		ID:            s.newID(),
		PairKey:       key,
		FirstID:       first,
		SecondID:      second,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		// Lost the race against a concurrent create of the same pair.
		rec, err = s.conversationByPair(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reload conversation: %w", err)
		}
	}
	return s.hydrateOne(ctx, viewerID, rec)
}

func (s *Store) conversationByPair(ctx context.Context, key string) (conversationRecord, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).Where("pair_key = ?", key).First(&rec).Error
	return rec, err
}

func (s *Store) conversation(ctx context.Context, id, viewerID string) (conversationRecord, error) {
	var rec conversationRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !rec.has(viewerID)) {
		return conversationRecord{}, models.NewNotFoundError("conversation", id)
	}
	if err != nil {
		return conversationRecord{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return rec, nil
}

// Conversation returns a conversation the viewer belongs to.
func (s *Store) Conversation(ctx context.Context, id, viewerID string) (*models.Conversation, error) {
	rec, err := s.conversation(ctx, id, viewerID)
	if err != nil {
		return nil, err
	}
	return s.hydrateOne(ctx, viewerID, rec)
}

// ListConversations returns the viewer's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, viewerID string) ([]*models.Conversation, error) {
	var recs []conversationRecord
	err := s.db.WithContext(ctx).
		Where("first_id = ? OR second_id = ?", viewerID, viewerID).
		Order("last_message_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return s.hydrate(ctx, viewerID, recs...)
}

func (s *Store) hydrateOne(ctx context.Context, viewerID string, rec conversationRecord) (*models.Conversation, error) {
	out, err := s.hydrate(ctx, viewerID, rec)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *Store) hydrate(ctx context.Context, viewerID string, recs ...conversationRecord) ([]*models.Conversation, error) {
	if len(recs) == 0 {
		return []*models.Conversation{}, nil
	}
	ids := make([]string, 0, len(recs)*2)
	convIDs := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.FirstID, r.SecondID)
		convIDs = append(convIDs, r.ID)
	}

	var people []participantRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&people).Error; err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	byID := make(map[string]models.Participant, len(people))
	for _, p := range people {
		byID[p.ID] = p.model()
	}

	unread, err := s.unreadCounts(ctx, viewerID, convIDs)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Conversation, 0, len(recs))
	for _, r := range recs {
		first, ok := byID[r.FirstID]
		if !ok {
			first = models.Participant{ID: r.FirstID}
		}
		second, ok := byID[r.SecondID]
		if !ok {
			second = models.Participant{ID: r.SecondID}
		}
		out = append(out, &models.Conversation{
			ID:            r.ID,
			Participants:  [2]models.Participant{first, second},
			LastMessageAt: r.LastMessageAt,
			LastPreview:   r.LastPreview,
			UnreadCount:   unread[r.ID],
		})
	}
	return out, nil
}

type unreadRow struct {
	ConversationID string
	Count          int
}

func (s *Store) unreadCounts(ctx context.Context, viewerID string, convIDs []string) (map[string]int, error) {
	q := s.db.WithContext(ctx).Model(&messageRecord{}).
		Select("conversation_id, COUNT(*) AS count").
		Where("recipient_id = ? AND status < ? AND deleted = ?", viewerID, int(models.StatusRead), false)
	if convIDs != nil {
		q = q.Where("conversation_id IN ?", convIDs)
	}
	var rows []unreadRow
	if err := q.Group("conversation_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ConversationID] = r.Count
	}
	return out, nil
}

// UnreadCounts returns the viewer's unread messages per conversation.
func (s *Store) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	return s.unreadCounts(ctx, viewerID, nil)
}

// Messages returns up to limit messages older than before, newest first.
func (s *Store) Messages(ctx context.Context, convID, viewerID string, before time.Time, limit int) ([]*models.Message, error) {
	if _, err := s.conversation(ctx, convID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", convID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var recs []messageRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	out := make([]*models.Message, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.model())
		ids = append(ids, r.ID)
	}
	reactions, err := s.reactions(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, m := range out {
		m.Reactions = reactions[m.ID]
	}
	return out, nil
}

func (s *Store) reactions(ctx context.Context, messageIDs ...string) (map[string][]models.Reaction, error) {
	out := make(map[string][]models.Reaction)
	if len(messageIDs) == 0 {
		return out, nil
	}
	var recs []reactionRecord
	if err := s.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}
	for _, r := range recs {
		out[r.MessageID] = append(out[r.MessageID], models.Reaction{UserID: r.UserID, Emoji: r.Emoji})
	}
	return out, nil
}

// SaveMessage persists m as SENT. A message with a (sender, tempId) pair
// that was already stored is returned unchanged with created=false, so a
// retried send never produces a second record.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error) {
	if m.TempID != "" {
		existing, err := s.messageByTempID(ctx, m.Sender.ID, m.TempID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("lookup message by temp id: %w", err)
		}
	}

	rec := messageRecord{
		ID:             s.newID(),
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		SenderType:     m.Sender.Type,
		RecipientID:    m.Recipient.ID,
		RecipientType:  m.Recipient.Type,
		Content:        m.Content,
		Kind:           m.Kind,
		Status:         int(models.StatusSent),
		CreatedAt:      s.now(),
	}
	if m.TempID != "" {
		tempID := m.TempID
		rec.TempID = &tempID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Model(&conversationRecord{}).Where("id = ?", rec.ConversationID).
			Updates(map[string]any{
				"last_message_at": rec.CreatedAt,
				"last_preview":    rec.model().Preview(),
			}).Error
	})
	if err != nil {
		if m.TempID != "" && isUniqueViolation(err) {
			existing, lookupErr := s.messageByTempID(ctx, m.Sender.ID, m.TempID)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("save message: %w", err)
	}
	return rec.model(), true, nil
}

func (s *Store) messageByTempID(ctx context.Context, senderID, tempID string) (*models.Message, error) {
	var rec messageRecord
	if err := s.db.WithContext(ctx).Where("sender_id = ? AND temp_id = ?", senderID, tempID).First(&rec).Error; err != nil {
		return nil, err
	}
	return rec.model(), nil
}

func (s *Store) message(ctx context.Context, id string) (messageRecord, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return messageRecord{}, models.NewNotFoundError("message", id)
	}
	if err != nil {
		return messageRecord{}, fmt.Errorf("load message %s: %w", id, err)
	}
	return rec, nil
}

// MarkDelivered advances one inbound message of recipientID to DELIVERED.
// changed is false when the message already was delivered or read.
func (s *Store) MarkDelivered(ctx context.Context, messageID, recipientID string) (*models.Message, bool, error) {
	rec, err := s.message(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if rec.RecipientID != recipientID {
		return nil, false, models.NewNotFoundError("message", messageID)
	}
	if models.Status(rec.Status).Rank() >= models.StatusDelivered.Rank() {
		return rec.model(), false, nil
	}
	res := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("id = ? AND status < ?", messageID, int(models.StatusDelivered)).
		Update("status", int(models.StatusDelivered))
	if res.Error != nil {
		return nil, false, fmt.Errorf("mark delivered: %w", res.Error)
	}
	rec.Status = int(models.StatusDelivered)
	return rec.model(), res.RowsAffected > 0, nil
}

// MarkRead advances every inbound message of readerID in the conversation
// to READ and returns how many changed.
func (s *Store) MarkRead(ctx context.Context, convID, readerID string) (int64, error) {
	if _, err := s.conversation(ctx, convID, readerID); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("conversation_id = ? AND recipient_id = ? AND status < ?", convID, readerID, int(models.StatusRead)).
		Update("status", int(models.StatusRead))
	if res.Error != nil {
		return 0, fmt.Errorf("mark read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EditMessage replaces the content of a message authored by senderID.
func (s *Store) EditMessage(ctx context.Context, messageID, senderID, content string) (*models.Message, error) {
	rec, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rec.SenderID != senderID {
		return nil, models.NewValidationError("only the author can edit a message")
	}
	if rec.Deleted {
		return nil, models.NewValidationError("message was deleted")
	}
	if rec.Kind != models.KindText {
		return nil, models.NewValidationError("only text messages can be edited")
	}
	editedAt := s.now()
	err = s.db.WithContext(ctx).Model(&messageRecord{}).Where("id = ?", messageID).
		Updates(map[string]any{"content": content, "edited_at": editedAt}).Error
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	rec.Content = content
	rec.EditedAt = &editedAt
	return rec.model(), nil
}

// DeleteMessage soft-deletes a message authored by senderID. Deleting twice
// is not an error.
func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error) {
	rec, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rec.SenderID != senderID {
		return nil, models.NewValidationError("only the author can delete a message")
	}
	if rec.Deleted {
		return rec.model(), nil
	}
	err = s.db.WithContext(ctx).Model(&messageRecord{}).Where("id = ?", messageID).
		Updates(map[string]any{"deleted": true, "content": ""}).Error
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	rec.Deleted = true
	rec.Content = ""
	return rec.model(), nil
}

// ToggleReaction adds emoji from userID, or removes it when the same user
// already left the same emoji, and returns the message with its reaction set.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (*models.Message, error) {
	rec, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if rec.SenderID != userID && rec.RecipientID != userID {
		return nil, models.NewNotFoundError("message", messageID)
	}
	if rec.Deleted {
		return nil, models.NewValidationError("message was deleted")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).Delete(&reactionRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&reactionRecord{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.now()}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}

	reactions, err := s.reactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	m := rec.model()
	m.Reactions = reactions[messageID]
	if m.Reactions == nil {
		m.Reactions = []models.Reaction{}
	}
	return m, nil
}

// WipeConversation deletes the conversation with its messages and reactions.
func (s *Store) WipeConversation(ctx context.Context, convID, viewerID string) error {
	if _, err := s.conversation(ctx, convID, viewerID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&messageRecord{}).Select("id").Where("conversation_id = ?", convID)
		if err := tx.Where("message_id IN (?)", ids).Delete(&reactionRecord{}).Error; err != nil {
			return fmt.Errorf("wipe reactions: %w", err)
		}
		if err := tx.Where("conversation_id = ?", convID).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("wipe messages: %w", err)
		}
		if err := tx.Where("id = ?", convID).Delete(&conversationRecord{}).Error; err != nil {
			return fmt.Errorf("wipe conversation: %w", err)
		}
		return nil
	})
}
