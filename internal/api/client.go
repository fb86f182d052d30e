// Package api is a small client for the SmartThings REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the public SmartThings API endpoint.
const DefaultBaseURL = "https://api.smartthings.com/v1"

const (
	acceptHeader   = "application/vnd.smartthings+json;v=1"
	maxErrorBody   = 512
	maxDevicePages = 50
)

// ErrAuthFailed is returned when the API rejects the credentials (HTTP 401 or
// 403) or the token source cannot refresh them. Callers must re-authenticate
// rather than retry.
var ErrAuthFailed = errors.New("smartthings authentication failed")

// RequestError is a non-auth HTTP error response.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// DefinitionStore is an optional persistent tier for capability definitions.
type DefinitionStore interface {
	GetCapabilityDefinition(id string, version int) (*CapabilityDefinition, error)
	SaveCapabilityDefinition(def *CapabilityDefinition) error
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithDefinitionStore makes the client consult and fill a persistent
// capability definition store.
func WithDefinitionStore(s DefinitionStore) Option {
	return func(c *Client) {
		c.defs = s
	}
}

type capKey struct {
	id      string
	version int
}

// Client talks to the SmartThings API. The supplied http.Client is expected to
// attach credentials (see the auth package).
type Client struct {
	http    *http.Client
	baseURL string
	logger  *slog.Logger
	defs    DefinitionStore

	mu    sync.RWMutex
	cache map[capKey]*CapabilityDefinition
	group singleflight.Group
}

// NewClient creates a Client.
func NewClient(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:    httpClient,
		baseURL: DefaultBaseURL,
		logger:  logger.With("component", "api"),
		cache:   make(map[capKey]*CapabilityDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the authenticated HTTP client, for downloads that need
// the same credentials.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// do performs a request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	target := c.resolve(path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%s %s: %w: %v", method, target, ErrAuthFailed, re)
		}
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %w", method, target, resp.StatusCode, ErrAuthFailed)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RequestError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}

type deviceListPage struct {
	Items []json.RawMessage `json:"items"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// ListDevices returns every device visible to the credentials, keyed by
// device id. Items that are not objects or lack a deviceId are skipped.
func (c *Client) ListDevices(ctx context.Context) (map[string]Device, error) {
	devices := make(map[string]Device)
	next := "/devices"
	seen := make(map[string]bool)

	for page := 0; next != "" && page < maxDevicePages; page++ {
		if seen[next] {
			break
		}
		seen[next] = true

		var p deviceListPage
		if err := c.do(ctx, http.MethodGet, next, nil, &p); err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, raw := range p.Items {
			dev, ok := decodeDevice(raw)
			if !ok {
				continue
			}
			devices[dev.DeviceID] = dev
		}

		next = ""
		if p.Links.Next != nil && p.Links.Next.Href != "" {
			next = p.Links.Next.Href
		}
	}
	return devices, nil
}

func decodeDevice(raw json.RawMessage) (Device, bool) {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return Device{}, false
	}
	if id, _ := probe["deviceId"].(string); id == "" {
		return Device{}, false
	}
	var dev Device
	if err := json.Unmarshal(raw, &dev); err != nil {
		return Device{}, false
	}
	dev.normalize()
	return dev, true
}

// GetDevice fetches a single device description.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var dev Device
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID), nil, &dev); err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	dev.normalize()
	return &dev, nil
}

// GetStatus fetches the raw status tree of a device. The result is whatever
// JSON the API returned; callers must not assume it is an object.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (any, error) {
	var st any
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/status", nil, &st); err != nil {
		return nil, fmt.Errorf("get status %s: %w", deviceID, err)
	}
	return st, nil
}

type commandRequest struct {
	Commands []commandEntry `json:"commands"`
}

type commandEntry struct {
	Component  string `json:"component"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments"`
}

// ExecuteCommand sends one command to a device. A nil args slice is sent as
// an empty array; falsy arguments such as false, 0 and "" are sent as-is.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID, component, capability, command string, args []any) error {
	if args == nil {
		args = []any{}
	}
	body := commandRequest{Commands: []commandEntry{{
		Component:  component,
		Capability: capability,
		Command:    command,
		Arguments:  args,
	}}}
	c.logger.Debug("sending command", "device", deviceID, "component", component,
		"capability", capability, "command", command, "args", args)
	if err := c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(deviceID)+"/commands", body, nil); err != nil {
		return fmt.Errorf("execute %s.%s on %s: %w", capability, command, deviceID, err)
	}
	return nil
}
