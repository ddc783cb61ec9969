package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"resty.dev/v3"

	"dgate/core"
)

// DefaultBase is the API origin one-shot requests resolve against.
const DefaultBase = "https://discord.com"

const apiPrefix = "/api/v9/"

// Options shapes one authenticated request. A zero Method means GET.
type Options struct {
	Method  string
	Headers map[string]string
	Body    any
}

// Client is the authenticated request helper. The core treats request
// failures as opaque: a non-success status surfaces as *core.TransportError
// carrying the original status and body, never retried.
type Client struct {
	http *resty.Client
	base string

	mu    sync.RWMutex
	token string
}

func New() *Client {
	return NewWithBase(DefaultBase)
}

func NewWithBase(base string) *Client {
	return &Client{
		http: resty.New(),
		base: strings.TrimSuffix(base, "/"),
	}
}

// SetToken stores the token injected as the Authorization header on every
// subsequent request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// FullURL resolves a request path: absolute URLs pass through, a leading
// slash joins the origin, anything else joins the API prefix.
func (c *Client) FullURL(path string) string {
	if path == "" {
		path = "/"
	}
	if strings.HasPrefix(path, "http") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return c.base + path
	}
	return c.base + apiPrefix + path
}

// Do performs one request and returns the raw response body. JSON bodies are
// marshaled by the client; header values have newlines stripped before they
// hit the wire.
func (c *Client) Do(ctx context.Context, path string, opts Options) (json.RawMessage, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = "GET"
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	req := c.http.R().SetContext(ctx)
	req.SetHeader("Content-Type", "application/json")
	if token != "" {
		req.SetHeader("Authorization", sanitizeHeader(token))
	}
	for k, v := range opts.Headers {
		req.SetHeader(k, sanitizeHeader(v))
	}
	if opts.Body != nil {
		req.SetBody(opts.Body)
	}

	resp, err := req.Execute(method, c.FullURL(path))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	if resp.IsError() {
		return nil, &core.TransportError{
			Status: resp.StatusCode(),
			Body:   resp.Bytes(),
		}
	}
	return resp.Bytes(), nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", "")
}
