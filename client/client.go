// Package client is a Go client for the Kingdom chat server. Client wraps
// the REST API, which is the authoritative source of state; Sync layers the
// websocket notification channel on top and keeps cached views fresh by
// re-fetching over REST whenever a notification arrives.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kingdom/internal/store"
)

// Client issues REST calls against a server base URL, attaching the bearer
// token once one is held.
type Client struct {
	BaseURL string
	Token   string

	HTTP *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    http.DefaultClient,
	}
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

// APIError is a non-2xx response body.
type APIError struct {
	Status  int
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(email, password, displayName string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(http.MethodPost, "/api/auth/register", map[string]string{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(email, password string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.do(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

func (c *Client) Me() (*store.User, error) {
	var u store.User
	if err := c.do(http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Logout() error {
	return c.do(http.MethodPost, "/api/auth/logout", nil, nil)
}

func (c *Client) Messages() ([]store.Message, error) {
	var msgs []store.Message
	if err := c.do(http.MethodGet, "/api/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Post creates a message. replyToID and mentions may be empty.
func (c *Client) Post(content, replyToID string, mentions []string) (*store.Message, error) {
	var msg store.Message
	err := c.do(http.MethodPost, "/api/messages", map[string]interface{}{
		"content":        content,
		"replyToId":      replyToID,
		"mentionedUsers": mentions,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// React toggles a reaction and returns the fresh counts.
func (c *Client) React(messageID, reactionType string) (*store.ReactionCounts, error) {
	var counts store.ReactionCounts
	err := c.do(http.MethodPost, "/api/messages/"+messageID+"/react",
		map[string]string{"type": reactionType}, &counts)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}

func (c *Client) OnlineUsers() ([]store.User, error) {
	var users []store.User
	if err := c.do(http.MethodGet, "/api/users/online", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) Users() ([]store.User, error) {
	var users []store.User
	if err := c.do(http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) Announcement() (*store.Announcement, error) {
	var a *store.Announcement
	if err := c.do(http.MethodGet, "/api/announcement", nil, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Client) UpdateAnnouncement(content string) (*store.Announcement, error) {
	var a store.Announcement
	err := c.do(http.MethodPut, "/api/announcement", map[string]string{"content": content}, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Stats is the public counter pair shown on the landing page.
type Stats struct {
	OnlineUsers  int `json:"onlineUsers"`
	VisitorCount int `json:"visitorCount"`
}

func (c *Client) Stats() (*Stats, error) {
	var s Stats
	if err := c.do(http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) UpdateProfile(upd store.UserUpdate) (*store.User, error) {
	var u store.User
	if err := c.do(http.MethodPut, "/api/user/profile", upd, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) DeleteAccount() error {
	return c.do(http.MethodDelete, "/api/user/account", nil, nil)
}

func (c *Client) Avatars() ([]string, error) {
	var a []string
	if err := c.do(http.MethodGet, "/api/avatars", nil, &a); err != nil {
		return nil, err
	}
	return a, nil
}
