// Package client talks to a running profmon-sim HTTP surface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"profmon-sim-go/internal/channels"
	"profmon-sim-go/internal/processing"
)

const (
	DefaultTimeout = 2 * time.Second
	maxBody        = 1 << 20
)

var (
	ErrMissingBaseURL = errors.New("missing base url")
	ErrNotFound       = errors.New("not found")
)

// StatusError is a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

func (c *Client) Devices(ctx context.Context) ([]processing.Summary, error) {
	var out []processing.Summary
	err := c.do(ctx, http.MethodGet, "/devices", &out)
	return out, err
}

func (c *Client) Channel(ctx context.Context, name string) (channels.Value, error) {
	var out channels.Value
	err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(name), &out)
	return out, err
}

// Save asks the service for a PNG snapshot of device and returns the path
// written on the service host.
func (c *Client) Save(ctx context.Context, device string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(device)+"/save", &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

func (c *Client) do(ctx context.Context, method, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
	}
	if into == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// Snapshot is one poll result. Err is set when either request failed.
type Snapshot struct {
	Status  map[string]any
	Devices []processing.Summary
	Err     error
}

// Poll fetches status and devices immediately and then every interval until
// ctx is done.
func (c *Client) Poll(ctx context.Context, interval time.Duration, update func(Snapshot)) {
	if update == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var snap Snapshot
		snap.Status, snap.Err = c.Status(ctx)
		if snap.Err == nil {
			snap.Devices, snap.Err = c.Devices(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		update(snap)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
