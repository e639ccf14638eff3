package recordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

const maxResponseBytes = 5 * 1024 * 1024

// listKeys are the envelope keys a list response may wrap its records in.
var listKeys = []string{"data", "threads", "messages", "items", "results"}

// Client talks to the record API over HTTP. It returns records undecoded
// so the directory can normalize every shape the API produces.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ interfaces.RecordAPI = (*Client)(nil)

// New creates a client for baseURL. A zero timeout means 10 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Session is the answer to a login.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity returns the session as a transport identity.
func (s Session) Identity() types.Identity {
	return types.Identity{UserID: s.UserID, Role: s.Role, Name: s.Name, Token: s.Token}
}

// Login opens a session and keeps its token for later requests.
func (c *Client) Login(ctx context.Context, userID, name, role string) (Session, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID, "name": name, "role": role})
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode login: %w", err)
	}

	var s Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", bytes.NewReader(body), false, &s); err != nil {
		return Session{}, fmt.Errorf("login failed: %w", err)
	}
	if s.Token == "" {
		return Session{}, fmt.Errorf("login failed: %w", ErrNoToken)
	}
	c.SetToken(s.Token)
	return s, nil
}

// CreateThread asks the record API to open a thread and returns its raw record.
func (c *Client) CreateThread(ctx context.Context, req map[string]any) (types.RawRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode thread: %w", err)
	}
	var rec types.RawRecord
	if err := c.do(ctx, http.MethodPost, "/api/threads", bytes.NewReader(body), true, &rec); err != nil {
		return nil, fmt.Errorf("create thread failed: %w", err)
	}
	return rec, nil
}

// FetchThreads returns the current user's thread records.
func (c *Client) FetchThreads(ctx context.Context) ([]types.RawRecord, error) {
	return c.fetchList(ctx, "/api/threads")
}

// FetchHistory returns a thread's message records.
func (c *Client) FetchHistory(ctx context.Context, threadID string) ([]types.RawRecord, error) {
	return c.fetchList(ctx, "/api/threads/"+url.PathEscape(threadID)+"/messages")
}

func (c *Client) fetchList(ctx context.Context, path string) ([]types.RawRecord, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, true, &raw); err != nil {
		return nil, err
	}
	records, err := decodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return records, nil
}

// decodeList accepts a bare array or an object wrapping one under a
// well-known key.
func decodeList(raw json.RawMessage) ([]types.RawRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var list []types.RawRecord
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnexpectedShape, err)
		}
		return list, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedShape, err)
	}
	for _, key := range listKeys {
		inner, ok := wrapper[key]
		if !ok {
			continue
		}
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && (inner[0] == '[' || inner[0] == '{') {
			return decodeList(inner)
		}
	}
	return nil, ErrUnexpectedShape
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, auth bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token := c.Token()
		if token == "" {
			return ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read body: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, interfaces.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, interfaces.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s %s: %w %d: %s", method, path, ErrStatus, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnexpectedShape, err)
	}
	return nil
}
