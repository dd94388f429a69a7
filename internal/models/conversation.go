package models

import (
	"slices"
	"time"
)

// ParticipantType distinguishes the kinds of accounts that can talk to each other.
type ParticipantType string

const (
	ParticipantStudent   ParticipantType = "student"
	ParticipantLibrarian ParticipantType = "librarian"
	ParticipantAdmin     ParticipantType = "admin"
	ParticipantLibrary   ParticipantType = "library"
)

// Ref identifies a participant without display metadata.
type Ref struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
}

// Participant is a conversation member as exposed by the record layer.
type Participant struct {
	ID     string          `json:"id"`
	Type   ParticipantType `json:"type"`
	Name   string          `json:"name"`
	Avatar string          `json:"avatar,omitempty"`
}

// Ref returns the identity part of p.
func (p Participant) Ref() Ref {
	return Ref{ID: p.ID, Type: p.Type}
}

// Conversation is a 1:1 thread between exactly two participants.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  [2]Participant `json:"participants"`
	LastMessageAt time.Time      `json:"last_message_at"`
	LastPreview   string         `json:"last_preview"`
	UnreadCount   int            `json:"unread_count"`
	Blocked       []string       `json:"blocked,omitempty"`
	Muted         []string       `json:"muted,omitempty"`
}

// Peer returns the participant that is not localID.
func (c *Conversation) Peer(localID string) Participant {
	if c.Participants[0].ID == localID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Has reports whether id is one of the two participants.
func (c *Conversation) Has(id string) bool {
	return c.Participants[0].ID == id || c.Participants[1].ID == id
}

// IsBlocked reports whether id is in the block set.
func (c *Conversation) IsBlocked(id string) bool {
	return slices.Contains(c.Blocked, id)
}

// IsMuted reports whether id is in the mute set.
func (c *Conversation) IsMuted(id string) bool {
	return slices.Contains(c.Muted, id)
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Blocked = slices.Clone(c.Blocked)
	out.Muted = slices.Clone(c.Muted)
	return &out
}
