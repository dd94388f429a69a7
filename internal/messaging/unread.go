package messaging

import (
	"context"
	"log/slog"

	"lectern/internal/cache"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"
)

// UnreadSync is the Unread Counter Synchronizer. The global counter is the
// sum of the per-conversation counters held by the cache.
type UnreadSync struct {
	store   *cache.Store
	localID string
	open    string
	log     *observability.SyncLogger
	metrics *observability.SyncMetrics
}

// NewUnreadSync creates an UnreadSync for the local viewer.
func NewUnreadSync(store *cache.Store, localID string, logger *slog.Logger, metrics *observability.SyncMetrics) *UnreadSync {
	if metrics == nil {
		metrics = observability.NewSyncMetrics(nil)
	}
	return &UnreadSync{
		store:   store,
		localID: localID,
		log:     observability.NewSyncLogger(logger, "unread"),
		metrics: metrics,
	}
}

// Open records the conversation the viewer is looking at.
func (u *UnreadSync) Open(convID string) { u.open = convID }

// Close clears the open conversation.
func (u *UnreadSync) Close() { u.open = "" }

// OpenConversation returns the conversation the viewer is looking at.
func (u *UnreadSync) OpenConversation() string { return u.open }

// Total returns the global counter.
func (u *UnreadSync) Total() int { return u.store.TotalUnread() }

// OnNewMessage counts a newly cached inbound message. Only messages addressed
// to the viewer outside the open conversation count.
func (u *UnreadSync) OnNewMessage(m *models.Message) bool {
	if m.Sender.ID == u.localID || m.ConversationID == u.open {
		return false
	}
	if m.Recipient.ID != "" && m.Recipient.ID != u.localID {
		return false
	}
	if !u.store.IncrementUnread(m.ConversationID) {
		return false
	}
	u.publish()
	return true
}

// OnBulkStatus zeroes a conversation read by the viewer on another device.
func (u *UnreadSync) OnBulkStatus(ev protocol.BulkStatusUpdate) bool {
	if ev.Status != models.StatusRead || ev.ReaderID != u.localID {
		return false
	}
	return u.zero(ev.ConversationID)
}

// MarkedRead applies a successful mark-read round trip.
func (u *UnreadSync) MarkedRead(convID string) bool {
	u.store.MarkInboundRead(convID, u.localID)
	return u.zero(convID)
}

// ReplaceSnapshot swaps every counter with the authoritative snapshot.
// Counts for conversations not cached yet are kept until their summaries
// arrive. It reports whether the snapshot named any such conversation.
func (u *UnreadSync) ReplaceSnapshot(snap protocol.UnreadSnapshot) bool {
	u.store.ReplaceUnread(snap.Conversations)
	unknown := false
	for id, n := range snap.Conversations {
		if n > 0 && !u.store.HasConversation(id) {
			unknown = true
			break
		}
	}
	if got := u.store.TotalUnread(); got != snap.Total {
		u.log.LogWarn(context.Background(), "unread snapshot total mismatch", map[string]any{
			"snapshot_total": snap.Total,
			"cached_total":   got,
		})
	}
	u.publish()
	return unknown
}

func (u *UnreadSync) zero(convID string) bool {
	if !u.store.SetUnread(convID, 0) {
		return false
	}
	u.publish()
	return true
}

func (u *UnreadSync) publish() {
	u.metrics.UnreadTotal.Set(float64(u.store.TotalUnread()))
}
