// Package remote is the HTTP client for the hosted backend. It performs the
// actual row writes the rest of the pipeline queues and replays, exposes the
// reachability probe the connectivity oracle polls with, and owns the
// network-vs-application error classification every other component relies on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sitedock/sitedock/internal/oplog"
)

// Client talks to the backend's REST layer over plain HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the given backend base URL. apiKey is the
// project key sent on every request; token is the user's access token.
func NewClient(baseURL, apiKey, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "remote"),
	}
}

// APIError is a structured rejection from the backend. Its presence always
// means the request reached the server, so it is never a connectivity signal.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote: http %d: %s", e.Status, e.Message)
}

// Apply performs the row write described by op: an insert, update, or delete
// against the operation's resource, with the filter rendered as equality
// conditions. Thrown errors are either *APIError or transport failures.
func (c *Client) Apply(ctx context.Context, op oplog.Operation) error {
	if c.token != "" {
		if exp, err := TokenExpiry(c.token); err == nil && time.Now().After(exp) {
			c.logger.Warn("access token expired, request will likely be rejected",
				"expired_at", exp)
		}
	}

	var method string
	var body io.Reader
	switch op.Kind {
	case oplog.KindInsert:
		method = http.MethodPost
	case oplog.KindUpdate:
		method = http.MethodPatch
	case oplog.KindDelete:
		method = http.MethodDelete
	default:
		return fmt.Errorf("remote: unknown kind %q", op.Kind)
	}

	if op.Kind != oplog.KindDelete {
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("remote: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + "/rest/v1/" + url.PathEscape(op.Resource)
	if q := filterQuery(op.Filter); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, op.Resource, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("write applied", "resource", op.Resource, "kind", op.Kind)
		return nil
	}

	return parseAPIError(resp)
}

// Probe issues a minimal request against the backend to check reachability.
// It succeeds on any HTTP response, including auth rejections; reaching the
// server at all is what the caller is asking about.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return fmt.Errorf("remote: create probe: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: probe: %w", err)
	}
	resp.Body.Close() //nolint:errcheck
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// filterQuery renders a filter map as equality query conditions in a
// deterministic key order.
func filterQuery(filter map[string]any) string {
	if len(filter) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, fmt.Sprintf("eq.%v", filter[k]))
	}
	return q.Encode()
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: "unreadable error body"}
	}

	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
