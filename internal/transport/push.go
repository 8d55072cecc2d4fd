package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const pushDialTimeout = 10 * time.Second

// PushDialer opens push subscriptions against the hub.
type PushDialer struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

// NewPushDialer derives a websocket dialer from the authenticated client.
func NewPushDialer(client *Client) *PushDialer {
	return &PushDialer{
		baseURL: client.BaseURL(),
		token:   client.Token(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: pushDialTimeout,
		},
	}
}

// Subscribe dials the named channel and starts delivering decoded events.
// The subscription lives until Close, ctx cancellation, or a read failure;
// Events is closed in every case.
func (d *PushDialer) Subscribe(ctx context.Context, channel string) (*PushSubscription, error) {
	endpoint, err := d.subscribeURL(channel)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "push subscribe rejected"}
		}
		return nil, err
	}

	sub := &PushSubscription{
		channel: channel,
		conn:    conn,
		events:  make(chan PushEvent, 16),
		done:    make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	go sub.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (d *PushDialer) subscribeURL(channel string) (string, error) {
	parsed, err := url.Parse(d.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") +
		fmt.Sprintf("/channels/%s/subscribe", url.PathEscape(channel))
	query := parsed.Query()
	query.Set("access_token", d.token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// PushSubscription is one live websocket subscription to a channel.
type PushSubscription struct {
	channel string
	conn    *websocket.Conn
	events  chan PushEvent

	mu      sync.Mutex
	closed  bool
	readErr error
	done    chan struct{}
}

// Channel returns the subscribed channel name.
func (s *PushSubscription) Channel() string {
	return s.channel
}

// Events yields decoded push events. The channel closes when the
// subscription ends for any reason.
func (s *PushSubscription) Events() <-chan PushEvent {
	return s.events
}

// Done is closed when the subscription has fully shut down.
func (s *PushSubscription) Done() <-chan struct{} {
	return s.done
}

// Err reports the read failure that ended the subscription, nil after a
// clean Close.
func (s *PushSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close tears the subscription down. Safe to call more than once.
func (s *PushSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}

func (s *PushSubscription) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()
	for {
		var event PushEvent
		if err := s.conn.ReadJSON(&event); err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
				s.closed = true
			}
			s.mu.Unlock()
			_ = s.conn.Close()
			return
		}
		s.events <- event
	}
}
