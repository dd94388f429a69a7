// Package protocol defines the frames and payloads exchanged over the sync channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"lectern/internal/models"
)

// CloseCredentialRejected is the websocket close code the service uses when
// the bound credential expired or was revoked. Clients must not auto-retry.
const CloseCredentialRejected = 4001

// Outbound events (client → service).
const (
	EventSendMessage        = "send-message"
	EventMarkDelivered      = "mark-delivered"
	EventMarkReadAll        = "mark-read-all"
	EventEditMessage        = "edit-message"
	EventDeleteMessage      = "delete-message"
	EventReactMessage       = "react-message"
	EventUnreadCountRequest = "unread-count-request"
	EventCallInitiate       = "call-initiate"
	EventCallAccept         = "call-accept"
	EventCallReject         = "call-reject"
	EventCallHangup         = "call-hangup"
	EventCallICECandidate   = "call-ice-candidate"
)

// Inbound events (service → client). call-ice-candidate is shared with outbound.
const (
	EventNewMessage          = "new-message"
	EventStatusUpdate        = "status-update"
	EventStatusUpdateBulk    = "status-update-bulk"
	EventMessageEdited       = "message-edited"
	EventMessageDeleted      = "message-deleted"
	EventReactionUpdated     = "reaction-updated"
	EventUnreadCountSnapshot = "unread-count-snapshot"
	EventCallIncoming        = "call-incoming"
	EventCallAccepted        = "call-accepted"
	EventCallRejected        = "call-rejected"
	EventCallEnded           = "call-ended"
)

// Control frames.
const (
	EventAck        = "ack"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Frame is one websocket text message.
type Frame struct {
	Event   string          `json:"event"`
	AckID   string          `json:"ack_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event, ackID string, payload any) (Frame, error) {
	f := Frame{Event: event, AckID: ackID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// AckFrame builds the acknowledgement for ackID.
func AckFrame(ackID string, payload any, err error) (Frame, error) {
	f, mErr := NewFrame(EventAck, ackID, payload)
	if mErr != nil {
		return Frame{}, mErr
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Event, err)
	}
	return nil
}

// SendMessage is the payload of send-message.
type SendMessage struct {
	ConversationID string                 `json:"conversationId"`
	RecipientID    string                 `json:"recipientId"`
	RecipientType  models.ParticipantType `json:"recipientType"`
	Content        string                 `json:"content"`
	ContentKind    models.ContentKind     `json:"contentKind"`
	TempID         string                 `json:"tempId"`
}

// SendAck is the acknowledgement payload of send-message.
type SendAck struct {
	ID        string        `json:"id"`
	TempID    string        `json:"tempId"`
	Status    models.Status `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// MessageRef addresses a single message.
type MessageRef struct {
	MessageID string `json:"messageId"`
}

// ConversationRef addresses a conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// EditMessage is the payload of edit-message.
type EditMessage struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// ReactMessage is the payload of react-message.
type ReactMessage struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// StatusUpdate is the payload of status-update.
type StatusUpdate struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Status         models.Status `json:"status"`
	TempID         string        `json:"tempId,omitempty"`
}

// BulkStatusUpdate is the payload of status-update-bulk. ReaderID is the
// participant whose action advanced the status.
type BulkStatusUpdate struct {
	ConversationID string        `json:"conversationId"`
	Status         models.Status `json:"status"`
	ReaderID       string        `json:"readerId"`
}

// MessageEdited is the payload of message-edited.
type MessageEdited struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

// MessageDeleted is the payload of message-deleted.
type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ReactionUpdated is the payload of reaction-updated.
type ReactionUpdated struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	Reactions      []models.Reaction `json:"reactions"`
}

// UnreadSnapshot is the authoritative unread state sent on request.
type UnreadSnapshot struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

// Candidate mirrors an ICE candidate init without tying the protocol to a media stack.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallInitiate is sent by the caller; the service forwards it as CallIncoming.
type CallInitiate struct {
	CallID string             `json:"callId"`
	To     models.Participant `json:"to"`
	From   models.Participant `json:"from"`
	SDP    string             `json:"sdp"`
	Video  bool               `json:"video"`
}

// CallIncoming is the inbound offer.
type CallIncoming struct {
	CallID string             `json:"callId"`
	From   models.Participant `json:"from"`
	SDP    string             `json:"sdp"`
	Video  bool               `json:"video"`
}

// CallAnswer carries the answer description (call-accept / call-accepted).
type CallAnswer struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdp"`
}

// CallReject is sent by the callee (call-reject / call-rejected).
type CallReject struct {
	CallID string             `json:"callId"`
	Reason string             `json:"reason"`
	Status models.CallOutcome `json:"status,omitempty"`
}

// CallHangup carries the terminal record (call-hangup / call-ended).
type CallHangup struct {
	CallID   string             `json:"callId"`
	Status   models.CallOutcome `json:"status"`
	Duration int64              `json:"duration"`
}

// CallICECandidate is a trickled candidate tagged with its call.
type CallICECandidate struct {
	CallID    string    `json:"callId"`
	Candidate Candidate `json:"candidate"`
}

// Disconnect is the payload of the local disconnect lifecycle event. Code is
// the websocket close code when the service closed the channel.
type Disconnect struct {
	Reason          string `json:"reason"`
	ServerInitiated bool   `json:"serverInitiated"`
	Code            int    `json:"code,omitempty"`
}

// CredentialRejected reports whether the service closed the channel because
// the bound credential is no longer valid.
func (d Disconnect) CredentialRejected() bool {
	return d.ServerInitiated && d.Code == CloseCredentialRejected
}
