package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	httpTimeoutEnvKey  = "DSGATE_HTTP_TIMEOUT"
)

// Client is a simple HTTP client for the dsgate API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeoutFromEnv()},
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil, nil)
}

func (c *Client) CreateEntity(ctx context.Context, req EntityCreateRequest) (EntityResponse, error) {
	var resp EntityResponse
	var headers http.Header
	if req.IdempotencyKey != "" {
		headers = http.Header{IdempotencyKeyHeader: {req.IdempotencyKey}}
	}
	err := c.do(ctx, http.MethodPost, "/v1/entities", nil, headers, req, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (EntityResponse, error) {
	var resp EntityResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, nil, nil, &resp)
	return resp, err
}

func (c *Client) UpdateEntity(ctx context.Context, id string, req EntityUpdateRequest) (EntityResponse, error) {
	var resp EntityResponse
	err := c.do(ctx, http.MethodPatch, "/v1/entities/"+url.PathEscape(id), nil, nil, req, &resp)
	return resp, err
}

func (c *Client) DeleteEntity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(id), nil, nil, nil, nil)
}

func (c *Client) ListEntities(ctx context.Context, query url.Values) (EntityListResponse, error) {
	var resp EntityListResponse
	err := c.do(ctx, http.MethodGet, "/v1/entities", query, nil, nil, &resp)
	return resp, err
}

// Content streams an entity's blob bytes to w.
func (c *Client) Content(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/entities/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResponse, error) {
	var resp ReconcileResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil, req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return &APIError{
			Status:    resp.StatusCode,
			Code:      errResp.Code,
			ErrorCode: errResp.ErrorCode,
			Message:   errResp.Error,
		}
	}
	return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("api error: %s", resp.Status)}
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
