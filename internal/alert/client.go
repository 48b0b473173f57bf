// Package alert implements the live monitor: it registers patrol streams
// with an external vision-alerting service, submits yes/no rules, and
// consumes the service's event socket to capture evidence on triggers.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
)

// MaxRulesPerStream is the service-side cap on rules per registered stream.
const MaxRulesPerStream = 10

// Registration is one stream known to the vision-alerting service.
type Registration struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Client talks to the vision-alerting service over REST.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a client for the service at baseURL (http or https).
func NewClient(baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logging.OrNop(logger),
	}
}

// RegisterStream announces one stream and returns the remote stream id.
func (c *Client) RegisterStream(ctx context.Context, name, streamURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name, "url": streamURL})
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}
	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/api/v1/live-stream", body, &reg); err != nil {
		return "", err
	}
	if reg.ID == "" {
		return "", fmt.Errorf("register stream %q: empty id in response", name)
	}
	return reg.ID, nil
}

// ListStreams returns every stream currently registered with the service.
func (c *Client) ListStreams(ctx context.Context) ([]Registration, error) {
	var regs []Registration
	if err := c.do(ctx, http.MethodGet, "/api/v1/live-stream", nil, &regs); err != nil {
		return nil, err
	}
	return regs, nil
}

// DeleteStream removes a registration by its remote id.
func (c *Client) DeleteStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/live-stream/"+url.PathEscape(id), nil, nil)
}

// SetRules submits the alert rules for a stream. Rules beyond
// MaxRulesPerStream are dropped with a warning.
func (c *Client) SetRules(ctx context.Context, streamID string, rules []string) error {
	if len(rules) > MaxRulesPerStream {
		c.logger.Warn("dropping %d alert rules beyond the per-stream limit of %d", len(rules)-MaxRulesPerStream, MaxRulesPerStream)
		rules = rules[:MaxRulesPerStream]
	}
	body, err := json.Marshal(map[string]any{"stream_id": streamID, "rules": rules})
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/alerts", body, nil)
}

// EventSocketURL returns the websocket address of the event stream.
func (c *Client) EventSocketURL() string {
	ws := c.baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/api/v1/alerts/ws"
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("alert service call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert service %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode alert service response: %w", err)
	}
	return nil
}
