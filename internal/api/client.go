// Package api is the thin REST client for the record endpoints the sync
// engine needs: history pages, the conversation list, mark-as-read, wipe and
// uploads. Every request goes through one circuit breaker.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker refuses requests.
var ErrCircuitOpen = errors.New("record service unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record service: %d %s", e.StatusCode, e.Message)
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// The breaker opens after MaxFailures consecutive server-side failures and
	// probes again after OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// Client calls the record endpoints with the session credential.
type Client struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *observability.SyncLogger

	mu         sync.RWMutex
	credential string
}

// New creates a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := observability.NewSyncLogger(cfg.Logger, "api")

	st := gobreaker.Settings{
		Name:        "records",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Client errors say nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.LogWarn(context.Background(), "circuit breaker state", map[string]any{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: httpClient,
		cb:   gobreaker.NewCircuitBreaker(st),
		log:  log,
	}
}

// SetCredential replaces the bearer credential for later requests.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

// BreakerState exposes the breaker state for diagnostics.
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

type createConversationRequest struct {
	TargetID   string                 `json:"target_id"`
	TargetType models.ParticipantType `json:"target_type"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// FetchConversations returns the viewer's conversation list.
func (c *Client) FetchConversations(ctx context.Context) ([]*models.Conversation, error) {
	var out []*models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateConversation returns the 1:1 conversation with target, creating it if needed.
func (c *Client) GetOrCreateConversation(ctx context.Context, target models.Ref) (*models.Conversation, error) {
	body, err := json.Marshal(createConversationRequest{TargetID: target.ID, TargetType: target.Type})
	if err != nil {
		return nil, err
	}
	var out models.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessages returns up to limit messages older than before, newest first.
// A zero before fetches the latest page.
func (c *Client) FetchMessages(ctx context.Context, convID string, before time.Time, limit int) ([]*models.Message, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/conversations/" + url.PathEscape(convID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkAsRead marks every inbound message of the conversation as read.
func (c *Client) MarkAsRead(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/read", nil, "", nil)
}

// WipeConversation deletes the conversation and its messages.
func (c *Client) WipeConversation(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(convID), nil, "", nil)
}

// Upload stores an attachment and returns its public URL.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out uploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/uploads", buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("upload: empty url in response")
	}
	return out.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	span, ctx := observability.NewSpan(ctx, "api "+method)
	defer span.End()

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, contentType, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = models.NewTransportError(method+" "+path, fmt.Errorf("%w: %v", ErrCircuitOpen, err))
	}
	if err != nil {
		span.SetError(err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	c.mu.RUnlock()
	if id := observability.ExtractCorrelationID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.NewTransportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	se := &StatusError{StatusCode: resp.StatusCode, Message: msg}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewFatalError("record service", fmt.Errorf("%w: %w", models.ErrAuthRejected, se))
	case http.StatusNotFound:
		return &models.AppError{Code: models.CodeNotFound, Message: msg, Err: se}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &models.AppError{Code: models.CodeValidation, Message: msg, Err: se}
	}
	return se
}
