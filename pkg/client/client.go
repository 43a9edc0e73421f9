// Package client talks to a running livesup supervisor from outside the
// service mesh: status over HTTP and rpc through the UI framing.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client calls a supervisor's HTTP and websocket endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *tls.Config  // Optional; used for https and wss
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3030",
		Timeout: 30 * time.Second,
	}
}

// RemoteError is an error reported by the supervisor or the called service.
type RemoteError struct {
	Service string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Method, e.Message)
}

// New creates a supervisor client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: &http.Transport{TLSClientConfig: config.TLS},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: config.Timeout, TLSClientConfig: config.TLS},
	}
}

// IsReachable checks if the supervisor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the supervisor's status. With resources set, CPU and memory
// samples of the service processes are included.
func (c *Client) Status(ctx context.Context, resources bool) (*Status, error) {
	u := c.baseURL + "/status"
	if resources {
		u += "?resources=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Call invokes method on service through the supervisor and returns the raw
// result. Each call uses its own connection.
func (c *Client) Call(ctx context.Context, service, method string, args ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return c.CallRaw(ctx, service, method, raw)
}

// CallRaw is Call with arguments that are already JSON encoded.
func (c *Client) CallRaw(ctx context.Context, service, method string, args []json.RawMessage) (json.RawMessage, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	wsURL, err := c.wsURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}

	callID := uuid.NewString()
	c.logger.Debug("Calling service", "service", service, "method", method, "callId", callID)
	if err := conn.WriteJSON(uiRequest{
		Type: "rpc", CallID: callID, Service: service, Method: method, Args: args,
	}); err != nil {
		return nil, fmt.Errorf("send call: %w", err)
	}

	for {
		var resp uiResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("call %s.%s: %w", service, method, ctx.Err())
			}
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if resp.CallID != callID {
			continue
		}
		if resp.Error != "" {
			return nil, &RemoteError{Service: service, Method: method, Message: resp.Error}
		}
		return resp.Result, nil
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = "/"
	return u.String(), nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
