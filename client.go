// Package uthhub is the Go client for the UTH Hub chat backend.
//
// It keeps one STOMP session open, multiplexes topic subscriptions over it,
// and reconciles pushed events with locally held conversation state.
//
// Example:
//
//	session := uthhub.NewSession(token)
//	engine, _ := uthhub.NewEngine(uthhub.EngineConfig{
//		BaseURL: "https://chat.example.com",
//		Tokens:  session,
//	})
//	engine.Start(ctx)
//	defer engine.Logout(ctx)
//
//	engine.Store.SelectConversation(ctx, 42)
//	engine.Store.SendMessage(ctx, "hello")
package uthhub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator. Sub-clients group endpoints by resource.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        *zap.Logger

	Auth          *AuthClient
	Conversations *ConversationsClient
	Users         *UsersClient
	Friends       *FriendsClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client. tokens may be nil for anonymous calls
// such as login.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = orNop(c.log).Named("rest")

	c.Auth = &AuthClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Friends = &FriendsClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// BaseURL returns the backend's HTTP origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token, terr := c.tokens.Token(ctx); terr == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	c.log.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	apiErr.Status = status
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, errors.Wrap(err, "unmarshal response")
	}
	return result, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeJSON[T](data)
}

func idPath(format string, id int64) string {
	return strings.Replace(format, "{id}", strconv.FormatInt(id, 10), 1)
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Login exchanges credentials for an access token.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/login", LoginRequest{Username: username, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[LoginResponse](data)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationsClient struct{ c *Client }

// List returns the caller's conversations.
func (cc *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	return getJSON[[]Conversation](ctx, cc.c, "/conversations", nil)
}

// Messages returns a conversation's history, oldest first.
func (cc *ConversationsClient) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	return getJSON[[]Message](ctx, cc.c, idPath("/conversations/{id}/messages", conversationID), nil)
}

func (cc *ConversationsClient) CreateGroup(ctx context.Context, req CreateGroupRequest) (*Conversation, error) {
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/conversations/groups", req, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[Conversation](data)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (uc *UsersClient) Me(ctx context.Context) (*User, error) {
	u, err := getJSON[User](ctx, uc.c, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (uc *UsersClient) UpdateMe(ctx context.Context, req UpdateProfileRequest) (*User, error) {
	data, err := uc.c.doRequest(ctx, http.MethodPut, "/users/me", req, nil)
	if err != nil {
		return nil, err
	}
	u, err := decodeJSON[User](data)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Search looks a user up by exact username.
func (uc *UsersClient) Search(ctx context.Context, username string) (*User, error) {
	u, err := getJSON[User](ctx, uc.c, "/users/search", url.Values{"username": {username}})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ============================================================================
// Friends
// ============================================================================

type FriendsClient struct{ c *Client }

func (fc *FriendsClient) List(ctx context.Context) ([]Friend, error) {
	return getJSON[[]Friend](ctx, fc.c, "/friends", nil)
}

// Incoming returns friend requests addressed to the caller.
func (fc *FriendsClient) Incoming(ctx context.Context) ([]Friend, error) {
	return getJSON[[]Friend](ctx, fc.c, "/friends/requests", nil)
}

// Sent returns friend requests the caller has made.
func (fc *FriendsClient) Sent(ctx context.Context) ([]Friend, error) {
	return getJSON[[]Friend](ctx, fc.c, "/friends/requests/sent", nil)
}

func (fc *FriendsClient) Request(ctx context.Context, username string) error {
	_, err := fc.c.doRequest(ctx, http.MethodPost, "/friends/request", friendRequestBody{Username: username}, nil)
	return err
}

func (fc *FriendsClient) Accept(ctx context.Context, requestID int64) error {
	_, err := fc.c.doRequest(ctx, http.MethodPost, idPath("/friends/{id}/accept", requestID), nil, nil)
	return err
}

func (fc *FriendsClient) Reject(ctx context.Context, requestID int64) error {
	_, err := fc.c.doRequest(ctx, http.MethodPost, idPath("/friends/{id}/reject", requestID), nil, nil)
	return err
}

// Cancel withdraws a request the caller sent to targetID.
func (fc *FriendsClient) Cancel(ctx context.Context, targetID int64) error {
	_, err := fc.c.doRequest(ctx, http.MethodDelete, idPath("/friends/cancel/{id}", targetID), nil, nil)
	return err
}

func (fc *FriendsClient) Unfriend(ctx context.Context, friendID int64) error {
	_, err := fc.c.doRequest(ctx, http.MethodDelete, idPath("/friends/unfriend/{id}", friendID), nil, nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ c *Client }

func (nc *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	return getJSON[[]Notification](ctx, nc.c, "/notifications/getbyuserid", nil)
}

func (nc *NotificationsClient) Unread(ctx context.Context) ([]Notification, error) {
	return getJSON[[]Notification](ctx, nc.c, "/notifications/getbyuserid-isreadfalse", nil)
}

func (nc *NotificationsClient) MarkRead(ctx context.Context, id int64) error {
	_, err := nc.c.doRequest(ctx, http.MethodPost, idPath("/notifications/update-is-read/{id}", id), nil, nil)
	return err
}
