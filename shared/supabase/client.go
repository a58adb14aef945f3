// Package supabase is a thin PostgREST client for the hosted Supabase project
// that keeps chat projects and API keys.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDisabled is returned when no Supabase URL is configured.
var ErrDisabled = errors.New("supabase not configured")

type Client struct {
	url    string
	key    string
	client *http.Client
}

func New(url, key string) *Client {
	return &Client{
		url:    strings.TrimRight(url, "/"),
		key:    key,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) Enabled() bool { return c != nil && c.url != "" }

// Select runs GET /rest/v1/<path> and decodes the JSON array into out.
func (c *Client) Select(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("supabase decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) Insert(ctx context.Context, table string, v any) error {
	return c.write(ctx, http.MethodPost, table, v, "return=minimal")
}

// Upsert inserts or merges on the table's primary key.
func (c *Client) Upsert(ctx context.Context, table string, v any) error {
	return c.write(ctx, http.MethodPost, table, v, "resolution=merge-duplicates,return=minimal")
}

func (c *Client) Update(ctx context.Context, path string, v any) error {
	return c.write(ctx, http.MethodPatch, path, v, "return=minimal")
}

func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) write(ctx context.Context, method, path string, v any, prefer string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("supabase encode: %w", err)
	}
	resp, err := c.do(ctx, method, path, bytes.NewReader(b), map[string]string{"Prefer": prefer})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+"/rest/v1/"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("supabase %d: %s", resp.StatusCode, raw)
	}
	return resp, nil
}
