package transport

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
	"sync"
	"time"
)

var (
	// ErrUnauthenticated marks a 401: the session is gone and only a new
	// login recovers it.
	ErrUnauthenticated = errors.New("transport: unauthenticated")
	// ErrForbidden marks a 403 on a case-scoped call: the caller's access
	// was revoked and cached scope state must be evicted.
	ErrForbidden = errors.New("transport: forbidden")
)

// HTTPError carries the status and decoded error body of a failed request.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	}
	return false
}

// Client is the authenticated request surface of the engine. Every call
// injects the bearer token; a 401 additionally fires the OnUnauthenticated
// hook exactly once per client (the global logout signal).
type Client struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	onUnauthenticated func()
	logoutOnce        sync.Once
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
}

// ClientOptions configures optional Client behavior.
type ClientOptions struct {
	HTTPClient        *http.Client
	OnUnauthenticated func()
}

// NewClient constructs a Client for the hub at baseURL.
func NewClient(baseURL, token string, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:           baseURL,
		token:             strings.TrimSpace(token),
		httpClient:        httpClient,
		onUnauthenticated: opts.OnUnauthenticated,
		maxRetries:        2,
		baseDelay:         100 * time.Millisecond,
		maxDelay:          2 * time.Second,
	}
}

// BaseURL exposes the hub base URL for the push dialer.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token exposes the bearer token for the push dialer.
func (c *Client) Token() string {
	return c.token
}

// ListMessages fetches the channel backlog in server order.
func (c *Client) ListMessages(ctx context.Context, channelID string) ([]Message, error) {
	var out []Message
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID)), nil, &out)
	return out, err
}

// SendMessage posts one message. The created message is returned but the
// sender still surfaces it via the live path, not this response.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (Message, error) {
	var out Message
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID)),
		map[string]string{"content": content}, &out)
	return out, err
}

// ListNotifications fetches the caller's notification feed.
func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &out)
	return out, err
}

// MarkAllRead marks every notification read server-side.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/read-all", nil, nil)
}

// MarkRead marks one notification read server-side.
func (c *Client) MarkRead(ctx context.Context, notificationID string) error {
	return c.doJSON(ctx, http.MethodPut,
		fmt.Sprintf("/notifications/%s/read", url.PathEscape(notificationID)), nil, nil)
}

// DeleteNotification deletes one notification server-side.
func (c *Client) DeleteNotification(ctx context.Context, notificationID string) error {
	return c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/notifications/%s", url.PathEscape(notificationID)), nil, nil)
}

// ListCaseConversations fetches the conversation rows for one case.
func (c *Client) ListCaseConversations(ctx context.Context, caseID string) ([]Conversation, error) {
	var out conversationListPayload
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/case/%s", url.PathEscape(caseID)), nil, &out)
	return out.Conversations, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := c.waitRetry(ctx, attempt+1); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := c.waitRetry(ctx, attempt+1); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.signalUnauthenticated()
		}

		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
}

func (c *Client) signalUnauthenticated() {
	if c.onUnauthenticated == nil {
		return
	}
	c.logoutOnce.Do(c.onUnauthenticated)
}

func (c *Client) waitRetry(ctx context.Context, attempt int) error {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
