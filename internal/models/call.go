package models

import "time"

// CallState is a state of the call signaling machine.
type CallState string

const (
	CallIdle            CallState = "IDLE"
	CallOutgoingRinging CallState = "OUTGOING_RINGING"
	CallIncomingRinging CallState = "INCOMING_RINGING"
	CallActive          CallState = "ACTIVE"
	CallEnded           CallState = "ENDED"
)

// Terminal reports whether no further transitions but ENDED → IDLE are possible.
func (s CallState) Terminal() bool {
	return s == CallIdle || s == CallEnded
}

// CallDirection tells who placed the call.
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallOutcome is the terminal status of a call as reported to the remote side.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeCancelled CallOutcome = "cancelled"
	OutcomeRejected  CallOutcome = "rejected"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeBusy      CallOutcome = "busy"
)

// CallSession is the single call a client may hold at a time.
type CallSession struct {
	ID        string
	Local     Participant
	Remote    Participant
	Direction CallDirection
	Video     bool
	Offer     string
	Answer    string
	State     CallState
	StartedAt time.Time
	Duration  time.Duration
	Outcome   CallOutcome
}

// Clone returns a copy.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// CallRecord is the terminal record of a call.
type CallRecord struct {
	CallID   string        `json:"call_id"`
	Status   CallOutcome   `json:"status"`
	Duration time.Duration `json:"duration"`
}
