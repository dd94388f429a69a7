// Package cache holds the local view of conversations, message pages and
// unread counters. Reads are safe from any goroutine and return copies;
// writes come from the engine loop only.
package cache

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"lectern/internal/models"
)

// ChangeKind tells observers what changed.
type ChangeKind string

const (
	ChangeMessage       ChangeKind = "message"
	ChangePage          ChangeKind = "page"
	ChangeConversation  ChangeKind = "conversation"
	ChangeConversations ChangeKind = "conversations"
	ChangeUnread        ChangeKind = "unread"
)

// Change describes one mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	TempID         string
}

var (
	// ErrDuplicateTempID is returned when a pending entry with the same tempId exists.
	ErrDuplicateTempID = errors.New("pending entry already exists for tempId")
	// ErrUnknownMessage is returned for operations on a message not in the cache.
	ErrUnknownMessage = errors.New("message not cached")
)

// Store is the Message Cache.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*models.Conversation
	pages  map[string][]*models.Message // newest first
	byID   map[string]*models.Message
	byTemp map[string]*models.Message

	// Snapshot counters for conversations the list has not delivered yet.
	// Applied when the summary arrives.
	pendingUnread map[string]int

	smu    sync.Mutex
	subs   map[uint64]func(Change)
	nextID uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		convs:  make(map[string]*models.Conversation),
		pages:  make(map[string][]*models.Message),
		byID:   make(map[string]*models.Message),
		byTemp: make(map[string]*models.Message),
		subs:   make(map[uint64]func(Change)),

		pendingUnread: make(map[string]int),
	}
}

// Subscribe registers fn for every change. The returned func unsubscribes.
// fn runs on the writer's goroutine after the write lock is released.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.smu.Lock()
		delete(s.subs, id)
		s.smu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.smu.Lock()
	fns := slices.Collect(maps.Values(s.subs))
	s.smu.Unlock()
	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Reads

// Conversations returns the summaries ordered by last message, newest first.
func (s *Store) Conversations() []*models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	slices.SortStableFunc(out, func(a, b *models.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Conversation returns one summary.
func (s *Store) Conversation(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c.Clone(), ok
}

// Messages returns the cached page of a conversation, newest first.
func (s *Store) Messages(convID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := s.pages[convID]
	out := make([]*models.Message, len(page))
	for i, m := range page {
		out[i] = m.Clone()
	}
	return out
}

// Message looks a message up by server id.
func (s *Store) Message(id string) (*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m.Clone(), ok
}

// MessageByTempID looks a message up by tempId.
func (s *Store) MessageByTempID(tempID string) (*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byTemp[tempID]
	return m.Clone(), ok
}

// OldestLoaded returns the creation time of the oldest confirmed message in the page.
func (s *Store) OldestLoaded(convID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := s.pages[convID]
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].ID != "" {
			return page[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// TotalUnread returns the global counter: the sum of per-conversation counters.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	for _, n := range s.pendingUnread {
		total += n
	}
	return total
}

// UnreadCounts returns the per-conversation counters, including snapshot
// counters held for conversations not listed yet.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.convs)+len(s.pendingUnread))
	maps.Copy(out, s.pendingUnread)
	for id, c := range s.convs {
		out[id] = c.UnreadCount
	}
	return out
}

// Message writes

// InsertPending adds a SENDING entry at the head of its conversation page.
func (s *Store) InsertPending(m *models.Message) error {
	if m.TempID == "" {
		return models.NewValidationError("pending message needs a tempId")
	}
	s.mu.Lock()
	if _, ok := s.byTemp[m.TempID]; ok {
		s.mu.Unlock()
		return ErrDuplicateTempID
	}
	entry := m.Clone()
	entry.ID = ""
	entry.Status = models.StatusSending
	s.byTemp[entry.TempID] = entry
	s.pages[entry.ConversationID] = slices.Insert(s.pages[entry.ConversationID], 0, entry)
	convChanged := s.touchConversationLocked(entry)
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeMessage, ConversationID: entry.ConversationID, TempID: entry.TempID}}
	if convChanged {
		changes = append(changes, Change{Kind: ChangeConversation, ConversationID: entry.ConversationID})
	}
	s.notify(changes...)
	return nil
}

// Promote replaces the pending entry for tempID in place with its confirmed
// identity. The tempId stays as a join key. It reports false when there is
// nothing to promote: unknown tempId, already promoted, or failed.
func (s *Store) Promote(tempID, id string, status models.Status, createdAt time.Time) bool {
	s.mu.Lock()
	m, ok := s.byTemp[tempID]
	if !ok || m.ID != "" || !models.CanTransition(m.Status, status, true) {
		s.mu.Unlock()
		return false
	}
	if existing, dup := s.byID[id]; dup && existing != m {
		// The confirmed copy got in through another path; fold it into the pending slot.
		s.removeFromPageLocked(existing)
	}
	m.ID = id
	m.Status = status
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	s.byID[id] = m
	convID := m.ConversationID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: convID, MessageID: id, TempID: tempID})
	return true
}

// MarkFailed moves a pending SENDING entry to ERROR. The entry stays visible.
func (s *Store) MarkFailed(tempID string) bool {
	s.mu.Lock()
	m, ok := s.byTemp[tempID]
	if !ok || m.ID != "" || !models.CanTransition(m.Status, models.StatusError, false) {
		s.mu.Unlock()
		return false
	}
	m.Status = models.StatusError
	convID := m.ConversationID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: convID, TempID: tempID})
	return true
}

// Retry moves an ERROR entry back to SENDING and returns a copy for re-dispatch.
func (s *Store) Retry(tempID string) (*models.Message, error) {
	s.mu.Lock()
	m, ok := s.byTemp[tempID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownMessage
	}
	if m.Status != models.StatusError {
		s.mu.Unlock()
		return nil, models.NewValidationError("only failed messages can be retried")
	}
	m.Status = models.StatusSending
	out := m.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: out.ConversationID, TempID: tempID})
	return out, nil
}

// ApplyStatus applies one status update under the rank rule. known is false
// when the message is not cached.
func (s *Store) ApplyStatus(id string, status models.Status) (applied, known bool) {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false, false
	}
	if m.Status == status || !models.CanTransition(m.Status, status, false) {
		s.mu.Unlock()
		return false, true
	}
	m.Status = status
	convID, tempID := m.ConversationID, m.TempID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessage, ConversationID: convID, MessageID: id, TempID: tempID})
	return true, true
}

// ApplyBulkStatus raises every confirmed message of convID authored by
// authorID to status under the rank rule, and returns how many changed.
func (s *Store) ApplyBulkStatus(convID, authorID string, status models.Status) int {
	s.mu.Lock()
	var changes []Change
	for _, m := range s.pages[convID] {
		if m.ID == "" || m.Sender.ID != authorID || m.Status == status {
			continue
		}
		if !models.CanTransition(m.Status, status, false) {
			continue
		}
		m.Status = status
		changes = append(changes, Change{Kind: ChangeMessage, ConversationID: convID, MessageID: m.ID, TempID: m.TempID})
	}
	s.mu.Unlock()

	s.notify(changes...)
	return len(changes)
}

// MarkInboundRead raises messages not authored by localID to READ.
func (s *Store) MarkInboundRead(convID, localID string) int {
	s.mu.Lock()
	n := 0
	for _, m := range s.pages[convID] {
		if m.ID == "" || m.Sender.ID == localID || m.Status == models.StatusRead {
			continue
		}
		if models.CanTransition(m.Status, models.StatusRead, false) {
			m.Status = models.StatusRead
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(Change{Kind: ChangePage, ConversationID: convID})
	}
	return n
}

// InsertMessage adds a confirmed inbound message at the head of its page.
// It reports false when the id is already cached.
func (s *Store) InsertMessage(m *models.Message) bool {
	s.mu.Lock()
	if _, ok := s.byID[m.ID]; ok || m.ID == "" {
		s.mu.Unlock()
		return false
	}
	if _, pending := s.byTemp[m.TempID]; pending && m.TempID != "" {
		// Confirmations of local entries go through Promote.
		s.mu.Unlock()
		return false
	}
	entry := m.Clone()
	if entry.Deleted {
		entry.Content = models.DeletedPlaceholder
	}
	s.byID[entry.ID] = entry
	if entry.TempID != "" {
		s.byTemp[entry.TempID] = entry
	}
	s.pages[entry.ConversationID] = slices.Insert(s.pages[entry.ConversationID], 0, entry)
	convChanged := s.touchConversationLocked(entry)
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeMessage, ConversationID: entry.ConversationID, MessageID: entry.ID, TempID: entry.TempID}}
	if convChanged {
		changes = append(changes, Change{Kind: ChangeConversation, ConversationID: entry.ConversationID})
	}
	s.notify(changes...)
	return true
}

// Edit replaces the content of a message. Deleted messages are left alone.
func (s *Store) Edit(id, content string, editedAt time.Time) bool {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok || m.Deleted {
		s.mu.Unlock()
		return false
	}
	m.Content = content
	edited := editedAt
	m.EditedAt = &edited
	convChanged := s.refreshPreviewLocked(m)
	s.mu.Unlock()

	s.notifyMessage(m, convChanged)
	return true
}

// SoftDelete replaces the content with the placeholder. Repeated deletes are no-ops.
func (s *Store) SoftDelete(id string) bool {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok || m.Deleted {
		s.mu.Unlock()
		return false
	}
	m.Deleted = true
	m.Content = models.DeletedPlaceholder
	m.Reactions = nil
	convChanged := s.refreshPreviewLocked(m)
	s.mu.Unlock()

	s.notifyMessage(m, convChanged)
	return true
}

// SetReactions replaces the reaction set of a message.
func (s *Store) SetReactions(id string, reactions []models.Reaction) bool {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok || m.Deleted {
		s.mu.Unlock()
		return false
	}
	m.Reactions = slices.Clone(reactions)
	s.mu.Unlock()

	s.notifyMessage(m, false)
	return true
}

func (s *Store) notifyMessage(m *models.Message, convChanged bool) {
	changes := []Change{{Kind: ChangeMessage, ConversationID: m.ConversationID, MessageID: m.ID, TempID: m.TempID}}
	if convChanged {
		changes = append(changes, Change{Kind: ChangeConversation, ConversationID: m.ConversationID})
	}
	s.notify(changes...)
}

// ReplacePage installs a freshly fetched newest page. Unconfirmed local
// entries stay at the head.
func (s *Store) ReplacePage(convID string, msgs []*models.Message) {
	s.mu.Lock()
	var kept []*models.Message
	for _, m := range s.pages[convID] {
		if m.ID == "" {
			kept = append(kept, m)
			continue
		}
		delete(s.byID, m.ID)
		if m.TempID != "" {
			delete(s.byTemp, m.TempID)
		}
	}
	page := kept
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		entry := m.Clone()
		s.byID[entry.ID] = entry
		if entry.TempID != "" {
			s.byTemp[entry.TempID] = entry
		}
		page = append(page, entry)
	}
	s.pages[convID] = page
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePage, ConversationID: convID})
}

// AppendOlder adds an older page at the tail, skipping cached ids.
func (s *Store) AppendOlder(convID string, msgs []*models.Message) int {
	s.mu.Lock()
	n := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		entry := m.Clone()
		s.byID[entry.ID] = entry
		if entry.TempID != "" {
			s.byTemp[entry.TempID] = entry
		}
		s.pages[convID] = append(s.pages[convID], entry)
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(Change{Kind: ChangePage, ConversationID: convID})
	}
	return n
}

// Conversation writes

// ReplaceConversations swaps the summary list wholesale. Pages of
// conversations no longer listed are dropped.
func (s *Store) ReplaceConversations(list []*models.Conversation) {
	s.mu.Lock()
	next := make(map[string]*models.Conversation, len(list))
	for _, c := range list {
		next[c.ID] = s.adoptPendingLocked(c.Clone())
	}
	for id := range s.convs {
		if _, ok := next[id]; !ok {
			s.dropPageLocked(id)
		}
	}
	s.convs = next
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations}, Change{Kind: ChangeUnread})
}

// UpsertConversation inserts or replaces one summary.
func (s *Store) UpsertConversation(c *models.Conversation) {
	s.mu.Lock()
	s.convs[c.ID] = s.adoptPendingLocked(c.Clone())
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversation, ConversationID: c.ID})
}

// RemoveConversation drops a summary and its page.
func (s *Store) RemoveConversation(id string) bool {
	s.mu.Lock()
	_, ok := s.convs[id]
	delete(s.convs, id)
	delete(s.pendingUnread, id)
	s.dropPageLocked(id)
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeConversations}, Change{Kind: ChangeUnread})
	}
	return ok
}

// HasConversation reports whether id is a known conversation.
func (s *Store) HasConversation(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// Unread writes

// SetUnread sets one conversation counter.
func (s *Store) SetUnread(convID string, n int) bool {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok || c.UnreadCount == n {
		s.mu.Unlock()
		return false
	}
	c.UnreadCount = max(n, 0)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUnread, ConversationID: convID})
	return true
}

// IncrementUnread adds one to a conversation counter.
func (s *Store) IncrementUnread(convID string) bool {
	s.mu.Lock()
	c, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	c.UnreadCount++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUnread, ConversationID: convID})
	return true
}

// ReplaceUnread swaps every counter with the authoritative snapshot.
// Conversations missing from the snapshot are zeroed. Counts for
// conversations not cached yet are held until their summary arrives.
func (s *Store) ReplaceUnread(counts map[string]int) {
	s.mu.Lock()
	for id, c := range s.convs {
		c.UnreadCount = max(counts[id], 0)
	}
	clear(s.pendingUnread)
	for id, n := range counts {
		if _, ok := s.convs[id]; !ok && n > 0 {
			s.pendingUnread[id] = n
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeUnread})
}

// Reset drops everything. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*models.Conversation)
	s.pages = make(map[string][]*models.Message)
	s.byID = make(map[string]*models.Message)
	s.byTemp = make(map[string]*models.Message)
	s.pendingUnread = make(map[string]int)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations}, Change{Kind: ChangeUnread})
}

func (s *Store) adoptPendingLocked(c *models.Conversation) *models.Conversation {
	if n, ok := s.pendingUnread[c.ID]; ok {
		c.UnreadCount = n
		delete(s.pendingUnread, c.ID)
	}
	return c
}

func (s *Store) touchConversationLocked(m *models.Message) bool {
	c, ok := s.convs[m.ConversationID]
	if !ok || m.CreatedAt.Before(c.LastMessageAt) {
		return false
	}
	c.LastMessageAt = m.CreatedAt
	c.LastPreview = m.Preview()
	return true
}

// refreshPreviewLocked updates the summary preview when m heads its page.
func (s *Store) refreshPreviewLocked(m *models.Message) bool {
	page := s.pages[m.ConversationID]
	c, ok := s.convs[m.ConversationID]
	if !ok || len(page) == 0 || page[0] != m {
		return false
	}
	c.LastPreview = m.Preview()
	return true
}

func (s *Store) removeFromPageLocked(m *models.Message) {
	page := s.pages[m.ConversationID]
	if i := slices.Index(page, m); i >= 0 {
		s.pages[m.ConversationID] = slices.Delete(page, i, i+1)
	}
	if m.ID != "" && s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
	if m.TempID != "" && s.byTemp[m.TempID] == m {
		delete(s.byTemp, m.TempID)
	}
}

func (s *Store) dropPageLocked(convID string) {
	for _, m := range s.pages[convID] {
		if m.ID != "" {
			delete(s.byID, m.ID)
		}
		if m.TempID != "" {
			delete(s.byTemp, m.TempID)
		}
	}
	delete(s.pages, convID)
}
