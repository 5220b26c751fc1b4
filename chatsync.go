// Package chatsync implements the client-side real-time message
// synchronization layer of the Kikita chat system: a WebSocket transport
// manager with heartbeat and bounded backoff reconnects, a type-keyed
// envelope dispatcher, and a chat/message store that merges REST history
// with live events without duplicates or reordering.
//
// Example:
//
//	session := chatsync.NewSession()
//	rest := chatsync.NewClient(session, chatsync.WithBaseURL("https://chat.example.com/api"))
//	disp := chatsync.NewDispatcher(logger)
//	transport := chatsync.NewSocketManager(chatsync.Config{URL: "wss://chat.example.com/api/ws"}, chatsync.NewCodec(), disp)
//	store := chatsync.NewStore(rest, transport)
//	chatsync.Wire(session, transport, store, disp)
//
//	session.SetCredential(token) // connects and starts syncing
package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every REST call; past it the call fails with a
// retryable error.
const DefaultTimeout = 15 * time.Second

// ============================================================================
// Errors
// ============================================================================

// ErrUnauthorized marks a REST 401; the session treats it as forced logout.
var ErrUnauthorized = fmt.Errorf("chatsync: unauthorized")

// APIError is a non-2xx REST response. It is recoverable: local state is
// never cleared because of one.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// ============================================================================
// REST client
// ============================================================================

// Client is the REST boundary: chat list, paginated history, the send
// fallback path, and mark-read notification. Every call carries the current
// session credential as a bearer header.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the REST base URL (no trailing slash needed).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client bound to a session.
func NewClient(session *Session, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		session:    session,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.session.CurrentCredential(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Warn().Str("path", path).Msg("credential rejected, forcing logout")
		c.session.ForceLogout()
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// REST operations
// ============================================================================

// MessagePage is one page of chat history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// SendRequest is the body of the REST send fallback. ClientID lets the
// server echo the temp id back on the live channel for exact reconciliation.
type SendRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
}

// Chats fetches all chats for the current user. GET /chats.
func (c *Client) Chats(ctx context.Context) ([]Chat, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	chats, err := decodeJSON[[]Chat](data)
	if err != nil {
		return nil, err
	}
	return *chats, nil
}

// Messages fetches a page of history older than cursor.
// GET /chats/{id}/messages?cursor=&limit=.
func (c *Client) Messages(ctx context.Context, chatID, cursor string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// SendMessage posts a message over REST (the fallback path when no live
// connection exists). POST /chats/{id}/messages.
func (c *Client) SendMessage(ctx context.Context, chatID string, req SendRequest) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// MarkRead notifies the server the chat has been read. POST /chats/{id}/read.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/chats/"+chatID+"/read", nil, nil)
	return err
}

// ============================================================================
// Composition root
// ============================================================================

// Wire connects the components: credential changes (re)connect the
// transport, forced logout tears down transport and store, and chat-related
// envelope types flow from the dispatcher into the store. Everything else —
// typing indicators, call signaling — stays available to external
// subscribers on the same dispatcher.
func Wire(session *Session, transport *SocketManager, store *Store, disp *Dispatcher) {
	session.OnCredentialChange(func(token string) {
		// The manager schedules its own retries on failure.
		_ = transport.Connect(token)
	})
	session.OnForcedLogout(func() {
		transport.Disconnect()
		store.Reset()
	})
	disp.Subscribe(TypeText, store.ApplyEnvelope)
	disp.Subscribe(TypeReadReceipt, store.ApplyEnvelope)
}
