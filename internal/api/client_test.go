package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lectern/internal/models"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, MaxFailures: 2, OpenTimeout: time.Minute}, srv.Client())
	c.SetCredential("token-1")
	return c
}

func TestFetchMessages_QueryAndAuth(t *testing.T) {
	before := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "30", r.URL.Query().Get("limit"))
		got, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("before"))
		require.NoError(t, err)
		assert.True(t, got.Equal(before))

		_ = json.NewEncoder(w).Encode([]*models.Message{
			{ID: "m2", ConversationID: "c1", Content: "b", Status: models.StatusRead},
			{ID: "m1", ConversationID: "c1", Content: "a", Status: models.StatusDelivered},
		})
	})

	msgs, err := c.FetchMessages(context.Background(), "c1", before, 30)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, models.StatusRead, msgs[0].Status)
}

func TestGetOrCreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req createConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lib1", req.TargetID)
		assert.Equal(t, models.ParticipantLibrarian, req.TargetType)

		_ = json.NewEncoder(w).Encode(models.Conversation{
			ID: "c9",
			Participants: [2]models.Participant{
				{ID: "s1", Type: models.ParticipantStudent},
				{ID: "lib1", Type: models.ParticipantLibrarian},
			},
		})
	})

	conv, err := c.GetOrCreateConversation(context.Background(), models.Ref{ID: "lib1", Type: models.ParticipantLibrarian})
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
	assert.Equal(t, "lib1", conv.Peer("s1").ID)
}

func TestUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "cover.png", header.Filename)
		assert.Equal(t, "png-bytes", string(body))
		_, _ = w.Write([]byte(`{"url":"http://relay/uploads/abc.png"}`))
	})

	url, err := c.Upload(context.Background(), "cover.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "http://relay/uploads/abc.png", url)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized is fatal",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, models.ErrAuthRejected)
				assert.True(t, models.IsCode(err, models.CodeFatal))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.True(t, models.IsCode(err, models.CodeNotFound))
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, "upstream down", se.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "upstream down"})
			})
			err := c.MarkAsRead(context.Background(), "c1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for range 2 {
		assert.Error(t, c.WipeConversation(context.Background(), "c1"))
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	err := c.WipeConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, models.IsCode(err, models.CodeTransport))
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the server")
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for range 5 {
		assert.Error(t, c.MarkAsRead(context.Background(), "missing"))
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}
