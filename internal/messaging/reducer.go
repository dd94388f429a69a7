package messaging

import (
	"context"
	"log/slog"

	"lectern/internal/cache"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"
)

// Effects are the follow-up actions of one inbound event. The engine
// executes them; the reducer itself performs no I/O.
type Effects struct {
	// MarkDelivered lists message ids to acknowledge as delivered.
	MarkDelivered []string
	// MarkRead lists conversations to mark read with a round trip.
	MarkRead []string
	// Resync asks for a full conversation list refetch.
	Resync bool
}

// Empty reports whether there is nothing to do.
func (e Effects) Empty() bool {
	return len(e.MarkDelivered) == 0 && len(e.MarkRead) == 0 && !e.Resync
}

// Reducer is the Delivery Status Reducer.
type Reducer struct {
	store    *cache.Store
	pipeline *Pipeline
	unread   *UnreadSync
	localID  string
	log      *observability.SyncLogger
	metrics  *observability.SyncMetrics
}

// NewReducer creates a Reducer for the local viewer.
func NewReducer(store *cache.Store, pipeline *Pipeline, unread *UnreadSync, localID string, logger *slog.Logger, metrics *observability.SyncMetrics) *Reducer {
	if metrics == nil {
		metrics = observability.NewSyncMetrics(nil)
	}
	return &Reducer{
		store:    store,
		pipeline: pipeline,
		unread:   unread,
		localID:  localID,
		log:      observability.NewSyncLogger(logger, "reducer"),
		metrics:  metrics,
	}
}

// Apply folds one inbound frame into the cache.
func (r *Reducer) Apply(f protocol.Frame) Effects {
	var (
		fx  Effects
		err error
	)
	switch f.Event {
	case protocol.EventNewMessage:
		var m models.Message
		if err = f.Decode(&m); err == nil {
			fx = r.newMessage(&m)
		}
	case protocol.EventStatusUpdate:
		var ev protocol.StatusUpdate
		if err = f.Decode(&ev); err == nil {
			fx = r.statusUpdate(ev)
		}
	case protocol.EventStatusUpdateBulk:
		var ev protocol.BulkStatusUpdate
		if err = f.Decode(&ev); err == nil {
			fx = r.bulkStatus(ev)
		}
	case protocol.EventMessageEdited:
		var ev protocol.MessageEdited
		if err = f.Decode(&ev); err == nil {
			fx = r.edited(ev)
		}
	case protocol.EventMessageDeleted:
		var ev protocol.MessageDeleted
		if err = f.Decode(&ev); err == nil {
			fx = r.deleted(ev)
		}
	case protocol.EventReactionUpdated:
		var ev protocol.ReactionUpdated
		if err = f.Decode(&ev); err == nil {
			fx = r.reactions(ev)
		}
	case protocol.EventUnreadCountSnapshot:
		var snap protocol.UnreadSnapshot
		if err = f.Decode(&snap); err == nil {
			fx.Resync = r.unread.ReplaceSnapshot(snap)
		}
	default:
		return fx
	}
	if err != nil {
		r.log.LogError(context.Background(), err, "apply "+f.Event)
	}
	if fx.Resync {
		r.metrics.Resyncs.Inc()
	}
	return fx
}

func (r *Reducer) newMessage(m *models.Message) Effects {
	if m.TempID != "" {
		if _, local := r.store.MessageByTempID(m.TempID); local {
			// Echo of our own send: join on tempId, never insert a second entry.
			r.pipeline.Confirm(m.TempID, m.ID, m.Status, m.CreatedAt)
			return Effects{}
		}
	}
	if _, dup := r.store.Message(m.ID); dup {
		return Effects{}
	}
	if !r.store.HasConversation(m.ConversationID) {
		return Effects{Resync: true}
	}
	if !r.store.InsertMessage(m) {
		return Effects{}
	}
	if m.Sender.ID == r.localID {
		// Sent from another device.
		return Effects{}
	}

	r.unread.OnNewMessage(m)
	if m.ConversationID == r.unread.OpenConversation() && m.Status.Rank() < models.StatusDelivered.Rank() {
		return Effects{
			MarkDelivered: []string{m.ID},
			MarkRead:      []string{m.ConversationID},
		}
	}
	return Effects{}
}

func (r *Reducer) statusUpdate(ev protocol.StatusUpdate) Effects {
	if ev.TempID != "" {
		if m, ok := r.store.MessageByTempID(ev.TempID); ok && m.Pending() {
			r.pipeline.Confirm(ev.TempID, ev.MessageID, ev.Status, m.CreatedAt)
			return Effects{}
		}
	}
	applied, known := r.store.ApplyStatus(ev.MessageID, ev.Status)
	if !known {
		if ev.ConversationID != "" && !r.store.HasConversation(ev.ConversationID) {
			return Effects{Resync: true}
		}
		return Effects{}
	}
	if !applied {
		r.metrics.StaleStatusIgnored.Inc()
	}
	return Effects{}
}

// bulkStatus advances only locally authored messages, and only when the
// reader is the peer. A READ by the viewer elsewhere clears the counter.
func (r *Reducer) bulkStatus(ev protocol.BulkStatusUpdate) Effects {
	conv, ok := r.store.Conversation(ev.ConversationID)
	if !ok {
		return Effects{Resync: true}
	}
	if ev.ReaderID == r.localID {
		r.unread.OnBulkStatus(ev)
		if ev.Status == models.StatusRead {
			r.store.MarkInboundRead(ev.ConversationID, r.localID)
		}
		return Effects{}
	}
	if ev.ReaderID == "" || ev.ReaderID != conv.Peer(r.localID).ID {
		r.log.LogWarn(context.Background(), "bulk status from a non-peer reader ignored", map[string]any{
			"conversation_id": ev.ConversationID,
			"reader_id":       ev.ReaderID,
		})
		return Effects{}
	}
	r.store.ApplyBulkStatus(ev.ConversationID, r.localID, ev.Status)
	return Effects{}
}

func (r *Reducer) edited(ev protocol.MessageEdited) Effects {
	if !r.store.HasConversation(ev.ConversationID) {
		return Effects{Resync: true}
	}
	r.store.Edit(ev.MessageID, ev.Content, ev.EditedAt)
	return Effects{}
}

func (r *Reducer) deleted(ev protocol.MessageDeleted) Effects {
	if !r.store.HasConversation(ev.ConversationID) {
		return Effects{Resync: true}
	}
	r.store.SoftDelete(ev.MessageID)
	return Effects{}
}

func (r *Reducer) reactions(ev protocol.ReactionUpdated) Effects {
	if !r.store.HasConversation(ev.ConversationID) {
		return Effects{Resync: true}
	}
	r.store.SetReactions(ev.MessageID, ev.Reactions)
	return Effects{}
}
