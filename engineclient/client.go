// Package engineclient is the product-side client of the adaptation engine.
// Nothing here may slow down or fail a user-facing turn: config reads fall
// back to a safe default and captures are fire-and-forget.
package engineclient

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

	"alin-engine/app"
	"alin-engine/cache"
	"alin-engine/handlers"

	"go.uber.org/zap"
)

// Client defaults
const (
	DefaultConfigTTL = 10 * time.Minute
	DefaultTimeout   = 5 * time.Second
)

// Fallback is the config used when the engine has never answered: public
// mode, still observing.
var Fallback = app.ConfigView{IsPrivate: false, BootstrapActive: true}

// Client talks to the engine HTTP API on behalf of one user
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	config  *cache.Memo[app.ConfigView]

	inflight sync.WaitGroup
	logger   *zap.Logger
}

// New creates a client for the engine at baseURL
func New(baseURL, userID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: DefaultTimeout},
		config:  cache.NewMemo[app.ConfigView](DefaultConfigTTL),
		logger:  logger.Named("engineclient"),
	}
}

// Config returns the engine config, cached for DefaultConfigTTL. On failure
// it returns the last value seen, or Fallback.
func (c *Client) Config(ctx context.Context) app.ConfigView {
	view, err := c.config.GetOrCompute(ctx, func(ctx context.Context) (app.ConfigView, error) {
		var v app.ConfigView
		err := c.get(ctx, "/api/config", &v)
		return v, err
	})
	if err == nil {
		return view
	}
	c.logger.Debug("config fetch failed, using fallback", zap.Error(err))
	if last, ok := c.config.Last(); ok {
		return last
	}
	return Fallback
}

// Addendum fetches the steering payload. Any failure yields "".
func (c *Client) Addendum(ctx context.Context, mode string) string {
	var resp struct {
		Addendum string `json:"addendum"`
	}
	path := "/api/addendum"
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	if err := c.get(ctx, path, &resp); err != nil {
		c.logger.Debug("addendum fetch failed", zap.Error(err))
		return ""
	}
	return resp.Addendum
}

// CaptureTurn reports a finished assistant turn without waiting
func (c *Client) CaptureTurn(turn app.ExtractRequest) {
	c.capture(handlers.EventTurn, turn)
}

// CaptureFeedback reports a user message that may judge a prediction
func (c *Client) CaptureFeedback(fb handlers.FeedbackCapture) {
	c.capture(handlers.EventFeedback, fb)
}

// Wait blocks until every pending capture has been sent or dropped
func (c *Client) Wait() {
	c.inflight.Wait()
}

func (c *Client) capture(event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Debug("capture encode failed", zap.String("event", event), zap.Error(err))
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := c.post(ctx, "/api/capture/"+event, body); err != nil {
			c.logger.Debug("capture failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-User-ID", c.userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
