package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is one event received from the live feed
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client follows an engine's WebSocket event feed, reconnecting with
// exponential backoff until its context ends
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewClient creates a feed client for url (ws:// or wss://)
func NewClient(url, userID string, logger *zap.Logger) *Client {
	header := make(http.Header)
	if userID != "" {
		header.Set("X-User-ID", userID)
	}
	return &Client{
		url:        url,
		header:     header,
		dialer:     websocket.DefaultDialer,
		logger:     logger.Named("ws-client"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Subscribe delivers events to handle until ctx is cancelled
func (c *Client) Subscribe(ctx context.Context, handle func(Message)) error {
	backoff := c.minBackoff
	for {
		err := c.stream(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("event feed dropped, reconnecting", zap.Error(err), zap.Duration("in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if errors.Is(err, errConnected) {
			backoff = c.minBackoff
		} else if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// errConnected marks a stream that was established before it failed
var errConnected = errors.New("connection lost")

func (c *Client) stream(ctx context.Context, handle func(Message)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.logger.Info("event feed connected", zap.String("url", c.url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errConnected, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("skipping undecodable event", zap.Error(err))
			continue
		}
		handle(msg)
	}
}
