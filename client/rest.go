package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/pondchat/models"
)

// Identity headers understood by the chat API.
const (
	headerUserID     = "X-User-ID"
	headerUserName   = "X-User-Name"
	headerUserAvatar = "X-User-Avatar"
)

// APIError is a non-2xx answer of the chat API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// REST talks to the persistence API on behalf of one user. It implements
// Persister, ReadMarker, HistorySource and ConversationLister.
type REST struct {
	baseURL string
	user    models.Sender
	http    *http.Client
}

// NewREST creates a client for the API rooted at baseURL. A nil httpClient
// uses a client with a 10s timeout.
func NewREST(baseURL string, user models.Sender, httpClient *http.Client) *REST {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		http:    httpClient,
	}
}

type messagesPage struct {
	Messages   []*models.Message `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

type replyTarget struct {
	ID string `json:"_id"`
}

type sendRequest struct {
	Content string       `json:"content"`
	ReplyTo *replyTarget `json:"replyTo,omitempty"`
}

func (c *REST) SendMessage(ctx context.Context, conversationID, content, replyToID string) (*models.Message, error) {
	req := sendRequest{Content: content}
	if replyToID != "" {
		req.ReplyTo = &replyTarget{ID: replyToID}
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *REST) DeleteMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	var out struct {
		Success bool            `json:"success"`
		Message *models.Message `json:"message"`
	}
	path := conversationPath(conversationID, "messages", messageID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *REST) MarkRead(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		MarkedRead int `json:"markedRead"`
	}
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, &out); err != nil {
		return 0, err
	}
	return out.MarkedRead, nil
}

func (c *REST) FetchPage(ctx context.Context, conversationID string, page, limit int) ([]*models.Message, models.Pagination, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var out messagesPage
	path := conversationPath(conversationID, "messages") + "?" + query.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, models.Pagination{}, err
	}
	return out.Messages, out.Pagination, nil
}

func (c *REST) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	var out []*models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Presence returns the persisted status of userID.
func (c *REST) Presence(ctx context.Context, userID string) (models.PresenceState, error) {
	var out models.PresenceState
	err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(userID), nil, &out)
	return out, err
}

func conversationPath(conversationID string, parts ...string) string {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	for _, part := range parts {
		path += "/" + url.PathEscape(part)
	}
	return path
}

func (c *REST) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerUserID, c.user.ID)
	if c.user.Username != "" {
		req.Header.Set(headerUserName, c.user.Username)
	}
	if c.user.Avatar != "" {
		req.Header.Set(headerUserAvatar, c.user.Avatar)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
