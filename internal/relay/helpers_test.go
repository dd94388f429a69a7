package relay

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"lectern/internal/models"
	"lectern/internal/protocol"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	alice = models.Participant{ID: "stu-alice", Type: models.ParticipantStudent, Name: "Alice"}
	bob   = models.Participant{ID: "lib-bob", Type: models.ParticipantLibrarian, Name: "Bob"}
	carol = models.Participant{ID: "stu-carol", Type: models.ParticipantStudent, Name: "Carol"}
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every pooled connection would get its own in-memory database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(Models()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(setupTestDB(t))
	clock := &stepClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.now
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	for _, p := range []models.Participant{alice, bob, carol} {
		require.NoError(t, s.EnsureParticipant(t.Context(), p))
	}
	return s
}

func sendText(t *testing.T, s *Store, conv *models.Conversation, from models.Participant, tempID, content string) *models.Message {
	t.Helper()
	m, created, err := s.SaveMessage(t.Context(), &models.Message{
		TempID:         tempID,
		ConversationID: conv.ID,
		Sender:         from.Ref(),
		Recipient:      conv.Peer(from.ID).Ref(),
		Content:        content,
		Kind:           models.KindText,
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

// frames drains everything queued for c.
func frames(t *testing.T, c *Client) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for {
		select {
		case raw := <-c.send:
			var f protocol.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func framesFor(t *testing.T, c *Client, event string) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for _, f := range frames(t, c) {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func rawFrame(t *testing.T, event, ackID string, payload any) []byte {
	t.Helper()
	f, err := protocol.NewFrame(event, ackID, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	return raw
}
