// Package hass is the Home Assistant REST client shared by every tool call.
//
// The client is created eagerly but connects lazily: the underlying
// http.Client exists only after the first request, and Close releases it at
// most once no matter how many shutdown paths call it.
package hass

import (
	"bytes"
	"compress/gzip"
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

	"go.uber.org/zap"

	"github.com/gilberth/hass-mcp/internal/config"
)

// State is the lifecycle state of a Client.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("hass: client is closed")

// APIError is a non-2xx answer from Home Assistant.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("hass: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the transport created on first use.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to the Home Assistant REST API.
type Client struct {
	baseURL   string
	token     string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *zap.Logger

	mu    sync.Mutex
	state State
	http  *http.Client
}

// New returns an uninitialized client for cfg.
func New(cfg config.HassConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("hass")
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// acquire returns the shared http.Client, creating it on first use.
func (c *Client) acquire() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateTornDown:
		return nil, ErrClosed
	case StateActive:
		return c.http, nil
	}

	transport := c.transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	c.http = &http.Client{Transport: transport, Timeout: c.timeout}
	c.state = StateActive
	c.logger.Debug("client initialized", zap.String("base_url", c.baseURL))
	return c.http, nil
}

// Close releases pooled connections. Only the first call on an active client
// does any work; every call leaves the client torn down.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state
	c.state = StateTornDown
	if prev != StateActive {
		return nil
	}
	c.http.CloseIdleConnections()
	c.http = nil
	c.logger.Info("client closed")
	return nil
}

// do sends a request and decodes the response into out. out may be nil, a
// *string for raw text or any JSON target.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	client, err := c.acquire()
	if err != nil {
		return err
	}
	start := time.Now()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hass: encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hass: build request: %w", err)
	}
	setAuthHeader(req, c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("hass: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// Accept-Encoding was set explicitly, so the transport leaves decoding to us.
	var respReader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("hass: decode gzip: %w", err)
		}
		defer gz.Close()
		respReader = gz
	}

	data, err := io.ReadAll(respReader)
	if err != nil {
		return fmt.Errorf("hass: read response: %w", err)
	}
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}

	switch target := out.(type) {
	case nil:
		return nil
	case *string:
		*target = string(data)
		return nil
	default:
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("hass: decode %s response: %w", path, err)
		}
		return nil
	}
}

// Entity is one Home Assistant state object.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the part of the entity id before the dot.
func (e Entity) Domain() string {
	domain, _, _ := strings.Cut(e.EntityID, ".")
	return domain
}

// InstanceConfig is the subset of /api/config the tools report.
type InstanceConfig struct {
	Version      string   `json:"version"`
	LocationName string   `json:"location_name"`
	TimeZone     string   `json:"time_zone"`
	UnitSystem   any      `json:"unit_system"`
	Components   []string `json:"components"`
}

// APIStatus checks that the API is reachable and the token is accepted.
func (c *Client) APIStatus(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Config returns the instance configuration.
func (c *Client) Config(ctx context.Context) (InstanceConfig, error) {
	var cfg InstanceConfig
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg)
	return cfg, err
}

// States returns every entity state.
func (c *Client) States(ctx context.Context) ([]Entity, error) {
	var entities []Entity
	err := c.do(ctx, http.MethodGet, "/api/states", nil, &entities)
	return entities, err
}

// EntityState returns the state of a single entity.
func (c *Client) EntityState(ctx context.Context, entityID string) (Entity, error) {
	var entity Entity
	err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &entity)
	return entity, err
}

// CallService calls domain.service with data and returns the states that
// changed while the service ran.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]Entity, error) {
	if data == nil {
		data = map[string]any{}
	}
	var changed []Entity
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	err := c.do(ctx, http.MethodPost, path, data, &changed)
	return changed, err
}

// ErrorLog returns the raw Home Assistant error log.
func (c *Client) ErrorLog(ctx context.Context) (string, error) {
	var log string
	err := c.do(ctx, http.MethodGet, "/api/error_log", nil, &log)
	return log, err
}
