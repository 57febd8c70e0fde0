// Package client is an HTTP client for a vectra server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/server"
)

// DefaultURL is the address of a locally started server.
const DefaultURL = "http://127.0.0.1:8080"

// Client talks to one server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL.
func New(baseURL string, optFns ...func(c *http.Client)) *Client {
	hc := &http.Client{Timeout: 60 * time.Second}
	for _, fn := range optFns {
		fn(hc)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Query runs one SQL statement.
func (c *Client) Query(ctx context.Context, sql string) (*server.QueryResponse, error) {
	var out server.QueryResponse
	if err := c.do(ctx, http.MethodPost, "/query", server.QueryRequest{Query: sql}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a k-nearest-neighbour search on table.column.
func (c *Client) Search(ctx context.Context, req server.SearchRequest) (*server.SearchResponse, error) {
	var out server.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/vector/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe opens a subscription.
func (c *Client) Subscribe(ctx context.Context, req server.SubscribeRequest) (*server.SubscribeResponse, error) {
	var out server.SubscribeResponse
	if err := c.do(ctx, http.MethodPost, "/stream/subscribe", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/stream/subscribe/"+id, nil, nil)
}

// Events reads the server-sent events of a subscription and calls fn with
// each payload until ctx ends, the stream closes or fn returns an error.
func (c *Client) Events(ctx context.Context, id string, fn func(payload []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream/events/"+id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the request timeout of c.http.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if err := fn([]byte(data)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the raw engine statistics document.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns an error envelope back into a classified error.
func decodeError(resp *http.Response) error {
	var body server.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Kind == "" {
		return errs.New(errs.KindInternal, "unexpected status %s", resp.Status)
	}
	return errs.New(errs.Kind(body.Error.Kind), "%s", body.Error.Message)
}
