package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ErrUnknownEntityType is returned for entity types with no configured
// endpoint.
var ErrUnknownEntityType = errors.New("no endpoint for entity type")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http error (status %d)", e.StatusCode)
}

// Client fetches collection snapshots, one GET endpoint per entity type.
type Client struct {
	baseURL    string
	endpoints  map[string]string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a snapshot client.
// baseURL should be the base URL of the API, e.g., "http://localhost:8080/api".
// endpoints maps entity type to path; types missing from it use "/"+type.
func NewClient(baseURL string, endpoints map[string]string) *Client {
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: eps,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token for subsequent requests. An empty token
// clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) path(entityType string) (string, error) {
	if p, ok := c.endpoints[entityType]; ok {
		return p, nil
	}
	if len(c.endpoints) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return "/" + entityType, nil
}

// FetchCollection GETs the snapshot for entityType and returns its records.
// The body may be a bare array, or an object holding the array under the
// entity type name or under "data".
func (c *Client) FetchCollection(ctx context.Context, entityType string) ([]json.RawMessage, error) {
	p, err := c.path(entityType)
	if err != nil {
		return nil, err
	}
	body, err := c.get(ctx, p)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(entityType, body)
}

// Fetcher binds FetchCollection to one entity type.
func (c *Client) Fetcher(entityType string) func(ctx context.Context) ([]json.RawMessage, error) {
	return func(ctx context.Context) ([]json.RawMessage, error) {
		return c.FetchCollection(ctx, entityType)
	}
}

func decodeSnapshot(entityType string, body []byte) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("unmarshal %s snapshot: invalid json", entityType)
	}
	doc := gjson.ParseBytes(body)
	if doc.IsObject() {
		for _, key := range []string{entityType, "data"} {
			if v := doc.Get(gjson.Escape(key)); v.IsArray() {
				doc = v
				break
			}
		}
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("unmarshal %s snapshot: expected array", entityType)
	}
	items := doc.Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it.Raw))
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "message").String()
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
