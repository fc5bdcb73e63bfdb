// Package content talks to the content-management service. The back office
// core only needs the create/update/save operations and the restart signal;
// everything else about content lives in the service itself.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds content-service calls.
const DefaultTimeout = 30 * time.Second

// Config describes the content-service connection.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Record is a content record keyed by type and id.
type Record struct {
	ID         string            `json:"id,omitempty"`
	Type       string            `json:"contentType"`
	Name       string            `json:"name"`
	ParentID   string            `json:"parentId,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// APIError carries the response body of a failed content-service call.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("content service returned %d: %s", e.StatusCode, string(e.Body))
}

// Client is a thin HTTP client for the content service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a content-service client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("content service base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Create creates and saves a new content record.
func (c *Client) Create(ctx context.Context, rec Record) (Record, error) {
	return c.send(ctx, http.MethodPost, "/content", rec)
}

// Save updates an existing record and publishes the change.
func (c *Client) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, fmt.Errorf("save requires a record id")
	}
	return c.send(ctx, http.MethodPut, "/content/"+url.PathEscape(rec.ID), rec)
}

// List returns the records of one content type.
func (c *Client) List(ctx context.Context, contentType string) ([]Record, error) {
	body, err := c.do(ctx, http.MethodGet, "/content?type="+url.QueryEscape(contentType), nil)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("parse content list: %w", err)
	}
	return recs, nil
}

// DeleteByType removes every record of a content type.
func (c *Client) DeleteByType(ctx context.Context, contentType string) error {
	_, err := c.do(ctx, http.MethodDelete, "/content?type="+url.QueryEscape(contentType), nil)
	return err
}

// Restart signals the content service to restart its worker process.
func (c *Client) Restart(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/restart", nil)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, rec Record) (Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return Record{}, err
	}
	var saved Record
	if err := json.Unmarshal(body, &saved); err != nil {
		return Record{}, fmt.Errorf("parse content record: %w", err)
	}
	return saved, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read content response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("content call failed", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
