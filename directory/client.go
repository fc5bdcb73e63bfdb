// Package directory queries the identity directory for user records using
// application (client-credential) authority, independent of any interactive
// user's session.
package directory

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// For B2C user management the directory API only supports the beta version.
const apiVersion = "beta"

// Defaults for the directory endpoint.
const (
	DefaultBaseURL  = "https://graph.windows.net"
	DefaultResource = "https://graph.windows.net"
	DefaultTimeout  = 15 * time.Second
)

// Config describes the directory connection. Admin credentials are the
// application's own: directory queries happen outside any user's request
// context, so a delegated user token is never acceptable here.
type Config struct {
	Tenant            string
	AdminClientID     string
	AdminClientSecret string

	// TokenURL is the client-credential token endpoint of the directory's
	// authority.
	TokenURL string

	// BaseURL and Resource default to the graph endpoint.
	BaseURL  string
	Resource string

	Timeout time.Duration
}

// APIError carries the parsed error payload of a non-success directory
// response. The payload holds provider-specific diagnostic detail, so the
// status code alone is never surfaced.
type APIError struct {
	StatusCode int
	Body       json.RawMessage
	Parsed     any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("directory api returned %d: %s", e.StatusCode, string(e.Body))
}

// UserRecord is the subset of a directory user object the back office
// consumes, alongside the raw payload.
type UserRecord struct {
	ObjectID    string `json:"objectId"`
	DisplayName string `json:"displayName"`

	Raw json.RawMessage `json:"-"`
}

// Client issues bearer-authenticated directory requests with an app-only
// access token acquired through the client-credential flow.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a directory client. The token source caches and refreshes the
// app token transparently.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("directory tenant is required")
	}
	if cfg.AdminClientID == "" || cfg.AdminClientSecret == "" {
		return nil, fmt.Errorf("directory admin client credentials are required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("directory token url is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.AdminClientID,
		ClientSecret: cfg.AdminClientSecret,
		TokenURL:     cfg.TokenURL,
		EndpointParams: url.Values{
			"resource": {cfg.Resource},
		},
	}

	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Client{
		cfg:    cfg,
		http:   cc.Client(ctx),
		logger: logger,
	}, nil
}

// GetUserByObjectID fetches a single user record.
func (c *Client) GetUserByObjectID(ctx context.Context, objectID string) (UserRecord, error) {
	raw, err := c.Get(ctx, "/users/"+url.PathEscape(objectID), "")
	if err != nil {
		return UserRecord{}, err
	}
	var rec UserRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return UserRecord{}, fmt.Errorf("parse user record: %w", err)
	}
	rec.Raw = raw
	return rec, nil
}

// Get issues an authenticated GET against the directory API, appending the
// fixed api-version parameter.
func (c *Client) Get(ctx context.Context, path, query string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(path, query), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Post issues an authenticated POST with a JSON body, used for member
// provisioning.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(path, ""), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) requestURL(path, query string) string {
	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + c.cfg.Tenant + path + "?api-version=" + apiVersion
	if query != "" {
		u += "&" + query
	}
	return u
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read directory response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
		// Best effort: keep the parsed form for callers that inspect it.
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			apiErr.Parsed = parsed
		}
		c.logger.Warn("directory call failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode)
		return nil, apiErr
	}

	return body, nil
}
