package httpapi

import (
	"bytes"
	"chat-sync/contract"
	"chat-sync/domain/chat"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	_ contract.Fetcher          = (*Client)(nil)
	_ contract.SeenAcknowledger = (*Client)(nil)
)

// Client calls the API of a remote server on behalf of one user.
type Client struct {
	baseURL string
	actor   chat.User
	http    *http.Client
}

func NewClient(baseURL string, actor chat.User, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) RegisterUser(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/users", c.actor, nil)
}

func (c *Client) Conversations(ctx context.Context, user chat.User) ([]chat.ConversationDetail, error) {
	var details []chat.ConversationDetail
	err := c.as(user).do(ctx, http.MethodGet, "/api/conversations", nil, &details)
	return details, err
}

func (c *Client) Messages(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	var messages []chat.Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(string(id))+"/messages", nil, &messages)
	return messages, err
}

func (c *Client) MarkSeen(ctx context.Context, id chat.ConversationID, user chat.User) (chat.Message, error) {
	var message chat.Message
	err := c.as(user).do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(string(id))+"/seen", nil, &message)
	return message, err
}

func (c *Client) CreateConversation(ctx context.Context, request CreateConversationRequest) (chat.Conversation, error) {
	var conversation chat.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", request, &conversation)
	return conversation, err
}

func (c *Client) PostMessage(ctx context.Context, id chat.ConversationID, request PostMessageRequest) (chat.Message, error) {
	var message chat.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(string(id))+"/messages", request, &message)
	return message, err
}

func (c *Client) DeleteConversation(ctx context.Context, id chat.ConversationID) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(string(id)), nil, nil)
}

func (c *Client) as(user chat.User) *Client {
	if user.ID == c.actor.ID {
		return c
	}
	return &Client{baseURL: c.baseURL, actor: user, http: c.http}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	request.Header.Set(UserHeader, string(c.actor.ID))
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		var failure errorResponse
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return &StatusError{Code: response.StatusCode, Message: failure.Error, cause: sentinels[failure.Code]}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code    int
	Message string
	cause   error
}

func (e *StatusError) Unwrap() error {
	return e.cause
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}
