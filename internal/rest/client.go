// Package rest is the request/response client for the chat backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the active conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	data, err := c.doRequest(ctx, "list conversations", http.MethodGet,
		"/api/chat/conversations/", url.Values{"archived": {"false"}}, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeList[chat.Conversation](data)
}

// ListArchivedConversations returns the archived conversation list.
func (c *Client) ListArchivedConversations(ctx context.Context) ([]chat.Conversation, error) {
	data, err := c.doRequest(ctx, "list archived conversations", http.MethodGet,
		"/api/chat/conversations/archived/", nil, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeList[chat.Conversation](data)
}

// GetConversation fetches one conversation and its messages.
func (c *Client) GetConversation(ctx context.Context, id chat.ID) (chat.Conversation, []*chat.Message, error) {
	data, err := c.doRequest(ctx, "get conversation", http.MethodGet,
		conversationPath(id, ""), nil, nil, "")
	if err != nil {
		return chat.Conversation{}, nil, err
	}
	var w struct {
		chat.Conversation
		Messages []wireMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return chat.Conversation{}, nil, fmt.Errorf("decode conversation: %w", err)
	}
	msgs := make([]*chat.Message, 0, len(w.Messages))
	for _, wm := range w.Messages {
		msgs = append(msgs, wm.toMessage(w.ID))
	}
	return w.Conversation, msgs, nil
}

// SendMessage posts a message with optional attachments as multipart form data.
func (c *Client) SendMessage(ctx context.Context, id chat.ID, content string, uploads []chat.Upload) (*chat.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("content", content); err != nil {
		return nil, fmt.Errorf("write content field: %w", err)
	}
	for _, up := range uploads {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, up.FileName))
		ct := up.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(up.Data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", up.FileName, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	data, err := c.doRequest(ctx, "send message", http.MethodPost,
		conversationPath(id, "messages/"), nil, &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	return wm.toMessage(id), nil
}

// Archive archives a conversation.
func (c *Client) Archive(ctx context.Context, id chat.ID) error {
	_, err := c.doRequest(ctx, "archive conversation", http.MethodPost,
		conversationPath(id, "archive/"), nil, nil, "")
	return err
}

// Restore moves an archived conversation back to the active list.
func (c *Client) Restore(ctx context.Context, id chat.ID) error {
	_, err := c.doRequest(ctx, "restore conversation", http.MethodPost,
		conversationPath(id, "restore/"), nil, nil, "")
	return err
}

// MarkRead zeroes the conversation's unread count server-side.
func (c *Client) MarkRead(ctx context.Context, id chat.ID) error {
	_, err := c.doRequest(ctx, "mark read", http.MethodPost,
		conversationPath(id, "mark_read/"), nil, nil, "")
	return err
}

// UnreadCount returns the server's global unread count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "unread count", http.MethodGet,
		"/api/chat/conversations/unread-count/", nil, nil, "")
	if err != nil {
		return 0, err
	}
	var w struct {
		UnreadCount *int `json:"unread_count"`
		Count       *int `json:"count"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	switch {
	case w.UnreadCount != nil:
		return *w.UnreadCount, nil
	case w.Count != nil:
		return *w.Count, nil
	}
	return 0, fmt.Errorf("decode unread count: no count in response")
}

// OnlineStatus returns presence for a single user.
func (c *Client) OnlineStatus(ctx context.Context, userID chat.ID) (chat.Presence, error) {
	data, err := c.doRequest(ctx, "online status", http.MethodGet,
		"/api/chat/users/"+url.PathEscape(string(userID))+"/online-status/", nil, nil, "")
	if err != nil {
		return chat.Presence{}, err
	}
	var p chat.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return chat.Presence{}, fmt.Errorf("decode online status: %w", err)
	}
	if p.UserID.IsZero() {
		p.UserID = userID
	}
	return p, nil
}

// BatchOnlineStatus returns presence for several users in one round trip.
// The backend answers either with a list of records or a map keyed by user id.
func (c *Client) BatchOnlineStatus(ctx context.Context, userIDs []chat.ID) ([]chat.Presence, error) {
	body, err := json.Marshal(map[string][]chat.ID{"user_ids": userIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}
	data, err := c.doRequest(ctx, "batch online status", http.MethodPost,
		"/api/chat/users/online-status/batch/", nil, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeList[chat.Presence](trimmed)
	}
	var byID map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &byID); err != nil {
		return nil, fmt.Errorf("decode batch online status: %w", err)
	}
	if inner, ok := byID["results"]; ok {
		return decodeList[chat.Presence](inner)
	}
	out := make([]chat.Presence, 0, len(byID))
	for id, raw := range byID {
		var p chat.Presence
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode presence for %s: %w", id, err)
		}
		if p.UserID.IsZero() {
			p.UserID = chat.ID(id)
		}
		out = append(out, p)
	}
	return out, nil
}

// SetTyping signals typing through the REST fallback endpoint.
func (c *Client) SetTyping(ctx context.Context, id chat.ID, isTyping bool) error {
	body, err := json.Marshal(map[string]bool{"is_typing": isTyping})
	if err != nil {
		return fmt.Errorf("marshal typing: %w", err)
	}
	_, err = c.doRequest(ctx, "set typing", http.MethodPost,
		conversationPath(id, "typing/"), nil, bytes.NewReader(body), "application/json")
	return err
}

func conversationPath(id chat.ID, suffix string) string {
	return "/api/chat/conversations/" + url.PathEscape(string(id)) + "/" + suffix
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode, Op: op, Body: truncate(string(data), 512)}
	}
	return data, nil
}

// decodeList accepts a bare JSON array or a paginated {"results": [...]} object.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Results []T `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		return page.Results, nil
	}
	var out []T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
