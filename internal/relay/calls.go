package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"lectern/internal/models"

	"github.com/redis/go-redis/v9"
)

// callTTL bounds how long an unterminated call is remembered.
const callTTL = 2 * time.Hour

// liveCall is the relay's view of a call between two participants.
type liveCall struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Caller         models.Participant `json:"caller"`
	Callee         models.Participant `json:"callee"`
	Video          bool               `json:"video"`
	StartedAt      time.Time          `json:"started_at"`
	AcceptedAt     *time.Time         `json:"accepted_at,omitempty"`
}

// other returns the participant on the other end from id, or false when id
// is not part of the call.
func (c liveCall) other(id string) (models.Participant, bool) {
	switch id {
	case c.Caller.ID:
		return c.Callee, true
	case c.Callee.ID:
		return c.Caller, true
	}
	return models.Participant{}, false
}

// CallRegistry tracks calls between signaling messages. With Redis it is
// shared by every relay instance, so both ends may be served by different ones.
type CallRegistry struct {
	rdb *redis.Client

	mu    sync.Mutex
	calls map[string]liveCall
}

// NewCallRegistry creates a registry. rdb may be nil.
func NewCallRegistry(rdb *redis.Client) *CallRegistry {
	return &CallRegistry{rdb: rdb, calls: make(map[string]liveCall)}
}

func callKey(id string) string {
	return "lectern:call:" + id
}

// Put stores or replaces a call.
func (r *CallRegistry) Put(ctx context.Context, call liveCall) error {
	if r.rdb == nil {
		r.mu.Lock()
		r.calls[call.ID] = call
		r.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}
	if err := r.rdb.Set(ctx, callKey(call.ID), raw, callTTL).Err(); err != nil {
		return fmt.Errorf("store call %s: %w", call.ID, err)
	}
	return nil
}

// Get returns a call by id.
func (r *CallRegistry) Get(ctx context.Context, id string) (liveCall, error) {
	if r.rdb == nil {
		r.mu.Lock()
		call, ok := r.calls[id]
		r.mu.Unlock()
		if !ok {
			return liveCall{}, models.NewNotFoundError("call", id)
		}
		return call, nil
	}
	raw, err := r.rdb.Get(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return liveCall{}, models.NewNotFoundError("call", id)
	}
	if err != nil {
		return liveCall{}, fmt.Errorf("load call %s: %w", id, err)
	}
	var call liveCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return liveCall{}, fmt.Errorf("decode call %s: %w", id, err)
	}
	return call, nil
}

// Take removes and returns a call. Exactly one caller gets it, so a terminal
// record is persisted once even when both ends hang up at the same time.
func (r *CallRegistry) Take(ctx context.Context, id string) (liveCall, error) {
	if r.rdb == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		call, ok := r.calls[id]
		if !ok {
			return liveCall{}, models.NewNotFoundError("call", id)
		}
		delete(r.calls, id)
		return call, nil
	}
	raw, err := r.rdb.GetDel(ctx, callKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return liveCall{}, models.NewNotFoundError("call", id)
	}
	if err != nil {
		return liveCall{}, fmt.Errorf("take call %s: %w", id, err)
	}
	var call liveCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return liveCall{}, fmt.Errorf("decode call %s: %w", id, err)
	}
	return call, nil
}
