package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a pause.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string

	kind error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Unwrap exposes apperrors.ErrAPIRequest plus the sentinel matching the
// status code, if any.
func (e *APIError) Unwrap() []error {
	if e.kind == nil {
		return []error{apperrors.ErrAPIRequest}
	}

	return []error{apperrors.ErrAPIRequest, e.kind}
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultHTTPTimeout is the timeout for the HTTP client created when
	// none is supplied.
	DefaultHTTPTimeout = 10 * time.Second

	// maxAPIResponseBytes caps response body reads. A full page of 100
	// messages with attachment metadata stays well below this.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// DefaultPageSize is the number of messages fetched per history page.
	DefaultPageSize = 50

	// MaxPageSize is the server's cap on the limit parameter.
	MaxPageSize = 100
)

//go:generate mockgen -source=client.go -destination=mock_api_test.go -package=chat

// API is the subset of the chat REST API the subsystem depends on.
// *Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (*Conversation, error)
	CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error)
	UpdateGroupName(ctx context.Context, conversationID int64, name string) (*Conversation, error)
	AddParticipant(ctx context.Context, conversationID, userID int64) (*Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
	ListMessages(ctx context.Context, conversationID int64, limit, offset int) (*MessagePage, error)
	SendMessage(ctx context.Context, conversationID int64, body string) (*Message, error)
	EditMessage(ctx context.Context, conversationID, messageID int64, body string) (*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID int64) error
	MarkRead(ctx context.Context, conversationID, lastMessageID int64) error
}

// CreateConversationRequest creates a direct or group conversation.
type CreateConversationRequest struct {
	Kind           ConversationKind `json:"type"`
	Name           string           `json:"name,omitempty"`
	ParticipantIDs []int64          `json:"participant_ids"`
}

// Client talks to the chat REST API. The bearer token is fixed at
// construction; use WithToken for a copy with another token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ API = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout and the
// same-host redirect policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with DefaultHTTPTimeout is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = strings.TrimSpace(token)

	return &cp
}

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorMessage extracts a human readable message from an error body.
// The server uses {"detail": "..."}, {"detail": [{"msg": "..."}]} for
// validation failures, or {"message": "..."}.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		detail := gjson.GetBytes(body, "detail")
		switch {
		case detail.Type == gjson.String && detail.Str != "":
			return sanitizeResponseBody([]byte(detail.Str))
		case detail.IsArray():
			if msg := detail.Get("0.msg").String(); msg != "" {
				return sanitizeResponseBody([]byte(msg))
			}
		}

		if msg := gjson.GetBytes(body, "message").String(); msg != "" {
			return sanitizeResponseBody([]byte(msg))
		}
	}

	if len(body) == 0 {
		return "empty response"
	}

	return sanitizeResponseBody(body)
}

// do sends a JSON request and decodes a 2xx response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			kind:       statusKind(resp.StatusCode, path),
		}

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, path, err)
	}

	return nil
}

// statusKind maps a status code to the sentinel callers match on.
func statusKind(code int, path string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.ErrUnauthorized
	case http.StatusNotFound:
		if strings.Contains(path, "/messages/") {
			return apperrors.ErrMessageNotFound
		}

		if strings.HasPrefix(path, "/api/chats/") {
			return apperrors.ErrConversationNotFound
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func chatPath(conversationID int64, rest ...string) string {
	p := "/api/chats/" + strconv.FormatInt(conversationID, 10)
	for _, r := range rest {
		p += "/" + r
	}

	return p
}

// Login exchanges email and password for an access token. The token is
// read from data.access_token, falling back to a top-level access_token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	req := map[string]string{"email": email, "password": password}

	var raw json.RawMessage

	err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &raw)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusBadRequest) {
			return "", fmt.Errorf("signing in: %w", apperrors.ErrInvalidCredentials)
		}

		return "", fmt.Errorf("signing in: %w", err)
	}

	token := gjson.GetBytes(raw, "data.access_token").String()
	if token == "" {
		token = gjson.GetBytes(raw, "access_token").String()
	}

	if token == "" {
		return "", fmt.Errorf("signing in: %w: no access token in response", apperrors.ErrAPIResponse)
	}

	return token, nil
}

// ListConversations returns every conversation the user participates in.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return out, nil
}

// GetConversation returns one conversation with its participants.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodGet, chatPath(conversationID), nil, &out); err != nil {
		return nil, fmt.Errorf("getting conversation %d: %w", conversationID, err)
	}

	return &out, nil
}

// CreateConversation creates a direct or group conversation.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/api/chats", req, &out); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &out, nil
}

// UpdateGroupName renames a group conversation.
func (c *Client) UpdateGroupName(ctx context.Context, conversationID int64, name string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPut, chatPath(conversationID), map[string]string{"name": name}, &out); err != nil {
		return nil, fmt.Errorf("renaming conversation %d: %w", conversationID, err)
	}

	return &out, nil
}

// AddParticipant adds userID to a group conversation.
func (c *Client) AddParticipant(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, chatPath(conversationID, "participants"), map[string]int64{"user_id": userID}, &out); err != nil {
		return nil, fmt.Errorf("adding participant %d to conversation %d: %w", userID, conversationID, err)
	}

	return &out, nil
}

// RemoveParticipant removes userID from a group conversation.
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	path := chatPath(conversationID, "participants", strconv.FormatInt(userID, 10))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("removing participant %d from conversation %d: %w", userID, conversationID, err)
	}

	return nil
}

// ListMessages returns one page of history, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, limit, offset int) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out MessagePage
	if err := c.do(ctx, http.MethodGet, chatPath(conversationID, "messages")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("listing messages of conversation %d: %w", conversationID, err)
	}

	return &out, nil
}

// SendMessage posts a new message.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, body string) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, chatPath(conversationID, "messages"), map[string]string{"content": body}, &out); err != nil {
		return nil, fmt.Errorf("sending message to conversation %d: %w", conversationID, err)
	}

	if out.ConversationID == 0 {
		out.ConversationID = conversationID
	}

	return &out, nil
}

// EditMessage replaces the body of one of the user's messages. The
// server only allows edits within a short window after sending.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID int64, body string) (*Message, error) {
	path := chatPath(conversationID, "messages", strconv.FormatInt(messageID, 10))

	var out Message
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"content": body}, &out); err != nil {
		return nil, fmt.Errorf("editing message %d: %w", messageID, err)
	}

	if out.ConversationID == 0 {
		out.ConversationID = conversationID
	}

	return &out, nil
}

// DeleteMessage deletes one of the user's messages.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	path := chatPath(conversationID, "messages", strconv.FormatInt(messageID, 10))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting message %d: %w", messageID, err)
	}

	return nil
}

// MarkRead records that the user has read the conversation, optionally
// up to lastMessageID (0 means everything).
func (c *Client) MarkRead(ctx context.Context, conversationID, lastMessageID int64) error {
	body := map[string]int64{}
	if lastMessageID > 0 {
		body["last_message_id"] = lastMessageID
	}

	if err := c.do(ctx, http.MethodPut, chatPath(conversationID, "read"), body, nil); err != nil {
		return fmt.Errorf("marking conversation %d read: %w", conversationID, err)
	}

	return nil
}
