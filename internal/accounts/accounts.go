// Package accounts resolves uploader auth tokens to user accounts.
// Tokens are handed out by the web tier before any account exists, so a
// token may resolve to no user at all; replay ownership is deferred
// through pending claims until the token is claimed.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// User is the account a claimed token belongs to.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ErrNotFound is returned when a token key is unknown.
var ErrNotFound = errors.New("token not found")

// ErrUnclaimed is returned when a token exists but no user has claimed
// it yet.
var ErrUnclaimed = errors.New("token not claimed")

// Resolver maps an auth token key to its owning user.
type Resolver interface {
	ResolveToken(ctx context.Context, tokenKey string) (User, error)
}

// Client resolves tokens against the accounts service over HTTP.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates an accounts client with timeouts suited for a call
// on the processing path.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

type tokenResponse struct {
	Key  string `json:"key"`
	User *User  `json:"user"`
}

// ResolveToken looks up the token key on the accounts service.
func (c *Client) ResolveToken(ctx context.Context, tokenKey string) (User, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return User{}, fmt.Errorf("invalid accounts URL: %w", err)
	}
	u.Path = "/api/v1/tokens/" + url.PathEscape(tokenKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return User{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return User{}, err
		}
		if tr.User == nil {
			return User{}, ErrUnclaimed
		}
		return *tr.User, nil
	case http.StatusNotFound:
		return User{}, ErrNotFound
	default:
		return User{}, fmt.Errorf("token lookup failed: %s", resp.Status)
	}
}

// Memory is an in-process Resolver for development and tests.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]*User // nil value means known but unclaimed
}

// NewMemory returns an empty in-memory resolver.
func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]*User)}
}

// AddToken registers a token with no owning user.
func (m *Memory) AddToken(tokenKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[tokenKey]; !ok {
		m.tokens[tokenKey] = nil
	}
}

// Claim attaches a user to a token.
func (m *Memory) Claim(tokenKey string, user User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := user
	m.tokens[tokenKey] = &u
}

// ResolveToken implements Resolver.
func (m *Memory) ResolveToken(ctx context.Context, tokenKey string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.tokens[tokenKey]
	if !ok {
		return User{}, ErrNotFound
	}
	if user == nil {
		return User{}, ErrUnclaimed
	}
	return *user, nil
}
