package relay

import (
	"time"

	"lectern/internal/models"
)

type participantRecord struct {
	ID        string                 `gorm:"primaryKey;size:64"`
	Type      models.ParticipantType `gorm:"size:16;not null"`
	Name      string                 `gorm:"size:128"`
	Avatar    string                 `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (participantRecord) TableName() string { return "participants" }

func (r participantRecord) model() models.Participant {
	return models.Participant{ID: r.ID, Type: r.Type, Name: r.Name, Avatar: r.Avatar}
}

// conversationRecord stores the pair in a canonical order; PairKey makes
// get-or-create idempotent under concurrent requests.
type conversationRecord struct {
	ID            string    `gorm:"primaryKey;size:36"`
	PairKey       string    `gorm:"uniqueIndex;size:160;not null"`
	FirstID       string    `gorm:"size:64;not null;index"`
	SecondID      string    `gorm:"size:64;not null;index"`
	LastMessageAt time.Time `gorm:"index"`
	LastPreview   string    `gorm:"size:128"`
	CreatedAt     time.Time
}

func (conversationRecord) TableName() string { return "conversations" }

func (r conversationRecord) has(id string) bool {
	return r.FirstID == id || r.SecondID == id
}

func (r conversationRecord) peer(id string) string {
	if r.FirstID == id {
		return r.SecondID
	}
	return r.FirstID
}

type messageRecord struct {
	ID             string                 `gorm:"primaryKey;size:36"`
	ConversationID string                 `gorm:"size:36;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string                 `gorm:"size:64;not null;uniqueIndex:idx_messages_sender_temp,priority:1"`
	SenderType     models.ParticipantType `gorm:"size:16"`
	TempID         *string                `gorm:"size:64;uniqueIndex:idx_messages_sender_temp,priority:2"`
	RecipientID    string                 `gorm:"size:64;not null;index"`
	RecipientType  models.ParticipantType `gorm:"size:16"`
	Content        string                 `gorm:"type:text"`
	Kind           models.ContentKind     `gorm:"size:8;not null"`
	Status         int                    `gorm:"not null;default:1"`
	CreatedAt      time.Time              `gorm:"index:idx_messages_conversation_created,priority:2"`
	EditedAt       *time.Time
	Deleted        bool `gorm:"not null;default:false"`
}

func (messageRecord) TableName() string { return "messages" }

func (r messageRecord) model() *models.Message {
	m := &models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Sender:         models.Ref{ID: r.SenderID, Type: r.SenderType},
		Recipient:      models.Ref{ID: r.RecipientID, Type: r.RecipientType},
		Content:        r.Content,
		Kind:           r.Kind,
		Status:         models.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		EditedAt:       r.EditedAt,
		Deleted:        r.Deleted,
	}
	if r.TempID != nil {
		m.TempID = *r.TempID
	}
	return m
}

type reactionRecord struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID string `gorm:"size:36;not null;index"`
	UserID    string `gorm:"size:64;not null"`
	Emoji     string `gorm:"size:32;not null"`
	CreatedAt time.Time
}

func (reactionRecord) TableName() string { return "reactions" }

// Models lists the records managed by migrations.
func Models() []any {
	return []any{&participantRecord{}, &conversationRecord{}, &messageRecord{}, &reactionRecord{}}
}
