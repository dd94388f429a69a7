package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"lectern/internal/models"
	"lectern/internal/protocol"

	"github.com/google/uuid"
)

func (s *Service) callInitiate(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.CallInitiate
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	if req.SDP == "" {
		return nil, models.NewValidationError("offer is required")
	}
	callee, err := s.store.Participant(ctx, req.To.ID)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetOrCreateConversation(ctx, c.Participant.ID, callee.Ref())
	if err != nil {
		return nil, err
	}

	call := liveCall{
		ID:             req.CallID,
		ConversationID: conv.ID,
		Caller:         c.Participant,
		Callee:         callee,
		Video:          req.Video,
		StartedAt:      s.now().UTC(),
	}
	if err := s.calls.Put(ctx, call); err != nil {
		return nil, err
	}
	s.push(ctx, callee.ID, nil, protocol.EventCallIncoming, protocol.CallIncoming{
		CallID: call.ID,
		From:   c.Participant,
		SDP:    req.SDP,
		Video:  req.Video,
	})
	return nil, nil
}

func (s *Service) callAccept(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.CallAnswer
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	call, err := s.calls.Get(ctx, req.CallID)
	if err != nil {
		return nil, err
	}
	if call.Callee.ID != c.Participant.ID {
		return nil, models.NewValidationError("only the callee can accept a call")
	}
	accepted := s.now().UTC()
	call.AcceptedAt = &accepted
	if err := s.calls.Put(ctx, call); err != nil {
		return nil, err
	}
	s.push(ctx, call.Caller.ID, nil, protocol.EventCallAccepted, req)
	return nil, nil
}

func (s *Service) callReject(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.CallReject
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	call, peer, err := s.endCall(ctx, req.CallID, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = rejectOutcome(req.Reason)
	}
	s.push(ctx, peer.ID, nil, protocol.EventCallRejected, req)
	s.recordCall(ctx, call, req.Status, 0)
	return nil, nil
}

func rejectOutcome(reason string) models.CallOutcome {
	switch reason {
	case "busy":
		return models.OutcomeBusy
	case "timeout":
		return models.OutcomeMissed
	case "failed":
		return models.OutcomeFailed
	}
	return models.OutcomeRejected
}

func (s *Service) callHangup(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.CallHangup
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	call, peer, err := s.endCall(ctx, req.CallID, c.Participant.ID)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = models.OutcomeCompleted
		if call.AcceptedAt == nil {
			req.Status = models.OutcomeCancelled
		}
	}
	s.push(ctx, peer.ID, nil, protocol.EventCallEnded, req)
	s.recordCall(ctx, call, req.Status, time.Duration(req.Duration)*time.Second)
	return nil, nil
}

// endCall removes the call on behalf of one of its participants and returns
// the other one. When both ends terminate at once only the first succeeds.
func (s *Service) endCall(ctx context.Context, callID, participantID string) (liveCall, models.Participant, error) {
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return liveCall{}, models.Participant{}, err
	}
	peer, ok := call.other(participantID)
	if !ok {
		return liveCall{}, models.Participant{}, models.NewNotFoundError("call", callID)
	}
	if call, err = s.calls.Take(ctx, callID); err != nil {
		return liveCall{}, models.Participant{}, err
	}
	return call, peer, nil
}

func (s *Service) callCandidate(ctx context.Context, c *Client, f protocol.Frame) (any, error) {
	var req protocol.CallICECandidate
	if err := f.Decode(&req); err != nil {
		return nil, models.NewValidationError(err.Error())
	}
	call, err := s.calls.Get(ctx, req.CallID)
	if err != nil {
		return nil, err
	}
	peer, ok := call.other(c.Participant.ID)
	if !ok {
		return nil, models.NewNotFoundError("call", req.CallID)
	}
	s.push(ctx, peer.ID, nil, protocol.EventCallICECandidate, req)
	return nil, nil
}

// recordCall persists the terminal record as a CALL message from the caller
// and pushes it to both participants.
func (s *Service) recordCall(ctx context.Context, call liveCall, outcome models.CallOutcome, duration time.Duration) {
	content, err := json.Marshal(models.CallRecord{CallID: call.ID, Status: outcome, Duration: duration})
	if err != nil {
		return
	}
	saved, created, err := s.store.SaveMessage(ctx, &models.Message{
		ConversationID: call.ConversationID,
		Sender:         call.Caller.Ref(),
		Recipient:      call.Callee.Ref(),
		Content:        string(content),
		Kind:           models.KindCall,
	})
	if err != nil {
		s.log.Error("persist call record",
			slog.String("call_id", call.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if created {
		s.push(ctx, call.Caller.ID, nil, protocol.EventNewMessage, saved)
		s.push(ctx, call.Callee.ID, nil, protocol.EventNewMessage, saved)
	}
}
