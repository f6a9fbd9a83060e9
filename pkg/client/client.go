package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides HTTP client functionality to communicate with a livesync daemon
type Client struct {
	baseURL   string
	client    *http.Client
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new livesync API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	var tlsConfig *tls.Config
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			tlsConfig = tc
			transport.TLSClientConfig = tc
		}
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		tlsConfig: tlsConfig,
		logger:    config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Status returns the daemon's connection status.
func (c *Client) Status(ctx context.Context) (ConnectionStatus, error) {
	var st ConnectionStatus
	err := c.doJSONRequest(ctx, http.MethodGet, c.baseURL+"/status", nil, &st)
	return st, err
}

// Listeners lists active listeners.
func (c *Client) Listeners(ctx context.Context) ([]Listener, error) {
	var out []Listener
	if err := c.doJSONRequest(ctx, http.MethodGet, c.baseURL+"/listeners", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetListener returns a single listener.
func (c *Client) GetListener(ctx context.Context, id string) (Listener, error) {
	var l Listener
	err := c.doJSONRequest(ctx, http.MethodGet, c.baseURL+"/listeners/"+url.PathEscape(id), nil, &l)
	return l, err
}

// StopListener stops a listener and reports whether it existed.
func (c *Client) StopListener(ctx context.Context, id string) (bool, error) {
	c.logger.Debug("Stopping listener", "id", id)
	var resp stopResponse
	if err := c.doJSONRequest(ctx, http.MethodDelete, c.baseURL+"/listeners/"+url.PathEscape(id), nil, &resp); err != nil {
		return false, err
	}
	return resp.Existed, nil
}

// Reconnect asks the daemon to re-probe the store and reports the outcome.
func (c *Client) Reconnect(ctx context.Context) (bool, error) {
	var resp reconnectResponse
	if err := c.doJSONRequest(ctx, http.MethodPost, c.baseURL+"/reconnect", nil, &resp); err != nil {
		return false, err
	}
	return resp.Connected, nil
}

// Add creates a document and returns its id.
func (c *Client) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	c.logger.Debug("Adding document", "collection", collection)
	var resp addResponse
	if err := c.doJSONRequest(ctx, http.MethodPost, c.documentURL(collection, ""), data, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Update merges data into an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, data map[string]any) error {
	c.logger.Debug("Updating document", "collection", collection, "id", id)
	var resp okResponse
	return c.doJSONRequest(ctx, http.MethodPut, c.documentURL(collection, id), data, &resp)
}

// Remove deletes a document.
func (c *Client) Remove(ctx context.Context, collection, id string) error {
	c.logger.Debug("Removing document", "collection", collection, "id", id)
	var resp okResponse
	return c.doJSONRequest(ctx, http.MethodDelete, c.documentURL(collection, id), nil, &resp)
}

// Watch opens a websocket watch stream and calls fn for every event until
// ctx is cancelled (returns nil) or the connection fails.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(Event)) error {
	u, err := c.watchURL(req)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.client.Timeout,
		TLSClientConfig:  c.tlsConfig,
	}
	ws, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return c.handleErrorResponse(resp)
			}
		}
		return fmt.Errorf("dial watch: %w", err)
	}
	defer func() { _ = ws.Close() }()
	c.logger.Debug("Watch stream opened", "collection", req.Collection)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read watch event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) documentURL(collection, id string) string {
	u := c.baseURL + "/documents/" + url.PathEscape(collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// watchURL builds the ws:// or wss:// URL of the websocket endpoint.
func (c *Client) watchURL(req WatchRequest) (string, error) {
	if req.Collection == "" {
		return "", errors.New("collection is required")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base = base.JoinPath("ws", req.Collection)

	q := url.Values{}
	for _, w := range req.Where {
		v, err := json.Marshal(w.Value)
		if err != nil {
			return "", fmt.Errorf("encode where value for %q: %w", w.Field, err)
		}
		q.Add("where", w.Field+","+w.Operator+","+string(v))
	}
	if req.OrderBy != nil {
		o := req.OrderBy.Field
		if req.OrderBy.Direction != "" {
			o += "," + req.OrderBy.Direction
		}
		q.Set("order", o)
	}
	if req.Limit != 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.ID != "" {
		q.Set("id", req.ID)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSONRequest marshals in (when non-nil), performs the request and
// decodes a 2xx body into out.
func (c *Client) doJSONRequest(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
