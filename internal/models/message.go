// Package models contains the domain types shared by the sync engine and the relay.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

// Status is the delivery state of a message.
type Status int

// Statuses in rank order. StatusError sits outside the ranking.
const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusError
)

var statusNames = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusError:     "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Rank orders statuses for conflict resolution. Error has no rank.
func (s Status) Rank() int {
	if s == StatusError {
		return -1
	}
	return int(s)
}

// ParseStatus accepts the lower or upper case wire name.
func ParseStatus(raw string) (Status, error) {
	for s, name := range statusNames {
		if strings.EqualFold(raw, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown message status %q", raw)
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition applies the rank rule. An update is accepted when it does not
// regress the cached rank, or when it promotes a pending entry to a server id.
// Error is reachable only from sending and nothing leaves it.
func CanTransition(from, to Status, promotes bool) bool {
	if from == StatusError {
		return false
	}
	if to == StatusError {
		return from == StatusSending
	}
	if promotes {
		return true
	}
	return to.Rank() >= from.Rank()
}

// ContentKind describes what a message carries.
type ContentKind string

const (
	KindText  ContentKind = "TEXT"
	KindImage ContentKind = "IMAGE"
	KindFile  ContentKind = "FILE"
	KindCall  ContentKind = "CALL"
)

// Valid reports whether k is a known kind.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindCall:
		return true
	}
	return false
}

// Reaction is one emoji left by one user. A user may react several times.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// Message represents a chat message. Before confirmation only TempID is set.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"temp_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Sender         Ref         `json:"sender"`
	Recipient      Ref         `json:"recipient"`
	Content        string      `json:"content"`
	Kind           ContentKind `json:"content_kind"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	Deleted        bool        `json:"deleted"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
}

// Key returns the identity used for lookups: the server id when known, the tempId otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Pending reports whether the message is still waiting for confirmation.
func (m *Message) Pending() bool {
	return m.ID == "" && m.TempID != ""
}

// Clone returns a deep copy safe to hand to observers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.EditedAt != nil {
		edited := *m.EditedAt
		out.EditedAt = &edited
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return &out
}

const previewLimit = 80

// Preview renders the one-line summary shown in the conversation list.
func (m *Message) Preview() string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	switch m.Kind {
	case KindImage:
		return "📷 Photo"
	case KindFile:
		return "📎 File"
	case KindCall:
		return "📞 Call"
	}
	runes := []rune(m.Content)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "…"
	}
	return m.Content
}
