package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shipchat/models"
)

const (
	// DefaultTimeout bounds one request/response round trip.
	DefaultTimeout = 15 * time.Second
	// DefaultRequestsPerSecond is the outbound request rate.
	DefaultRequestsPerSecond = 10
	// DefaultBurst is the limiter burst size.
	DefaultBurst = 20
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20
)

// CodeConversationClosed is the error code returned for inactive conversations.
const CodeConversationClosed = "conversation_closed"

var (
	// ErrNotFound is matched by StatusError values with a 404 status.
	ErrNotFound = errors.New("api: not found")
	// ErrConversationClosed is matched by StatusError values carrying CodeConversationClosed.
	ErrConversationClosed = errors.New("api: conversation closed")
)

// Client is the request/response collaborator used by the session.
type Client interface {
	FetchConversation(ctx context.Context, requestID string) (models.ConversationDetail, error)
	SendMessage(ctx context.Context, conversationID, content string) (models.Message, error)
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (models.ReactionAggregate, error)
	MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// StatusError represents a non-2xx response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("api error: %s (%d): %s", e.Code, e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("api error: %s (%d)", e.Code, e.Status)
	case e.Message != "":
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("api error (%d)", e.Status)
	}
}

// Unwrap maps well-known statuses to sentinel errors.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == CodeConversationClosed:
		return ErrConversationClosed
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// ErrorBody is the JSON error payload shared by client and test servers.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SendMessageBody is the request body of SendMessage.
type SendMessageBody struct {
	Content string `json:"content"`
}

// ToggleReactionBody is the request body of ToggleReaction.
type ToggleReactionBody struct {
	Emoji string `json:"emoji"`
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// HTTPClient implements Client over the JSON REST API.
type HTTPClient struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPClient constructs a rate-limited API client.
func NewHTTPClient(options Options) (*HTTPClient, error) {
	base, err := normalizeBaseURL(options.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := options.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := options.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:    base,
		token:      options.Token,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
	}, nil
}

func normalizeBaseURL(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, errors.New("api base url cannot be empty")
	}
	parsed, err := url.Parse(strings.TrimRight(value, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api base url must include scheme and host: %q", raw)
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed, nil
}

// FetchConversation loads the conversation bound to a shipment request.
func (c *HTTPClient) FetchConversation(ctx context.Context, requestID string) (models.ConversationDetail, error) {
	if requestID == "" {
		return models.ConversationDetail{}, errors.New("request id is required")
	}
	var detail models.ConversationDetail
	path := "/api/requests/" + url.PathEscape(requestID) + "/conversation"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return models.ConversationDetail{}, fmt.Errorf("fetch conversation for request %q: %w", requestID, err)
	}
	return detail, nil
}

// SendMessage posts a message and returns the canonical record.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	var msg models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, SendMessageBody{Content: content}, &msg); err != nil {
		return models.Message{}, fmt.Errorf("send message to %q: %w", conversationID, err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

// ToggleReaction flips the caller's emoji on a message and returns the new aggregate.
func (c *HTTPClient) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (models.ReactionAggregate, error) {
	var resp models.ReactionEvent
	path := "/api/conversations/" + url.PathEscape(conversationID) +
		"/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, http.MethodPost, path, ToggleReactionBody{Emoji: emoji}, &resp); err != nil {
		return nil, fmt.Errorf("toggle reaction on %q: %w", messageID, err)
	}
	return resp.Reactions.Normalize(), nil
}

// MarkAsRead records that the caller has read the conversation.
func (c *HTTPClient) MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &receipt); err != nil {
		return models.ReadReceipt{}, fmt.Errorf("mark conversation %q read: %w", conversationID, err)
	}
	if receipt.ConversationID == "" {
		receipt.ConversationID = conversationID
	}
	return receipt, nil
}

// ListConversations returns the caller's conversation summaries.
func (c *HTTPClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody any, respBody any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := c.baseURL.JoinPath(path)

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Status: resp.StatusCode}
		var payload ErrorBody
		if err := json.Unmarshal(respData, &payload); err == nil && (payload.Error != "" || payload.Message != "") {
			statusErr.Code = payload.Error
			statusErr.Message = payload.Message
		} else {
			statusErr.Message = strings.TrimSpace(string(respData))
		}
		return statusErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
