// Package client calls the vmlease HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/httpapi"
)

// DefaultTimeout bounds one request. Provision and rebuild wait for the
// hypervisor, so it is generous.
const DefaultTimeout = 15 * time.Minute

// APIError is a failed request as reported by the server.
type APIError struct {
	StatusCode int
	Body       httpapi.ErrorBody
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	switch {
	case e.Body.VMInError:
		return fmt.Sprintf("%s (VM is now in error state)", msg)
	case e.Body.Retryable:
		return fmt.Sprintf("%s (safe to retry)", msg)
	}
	return msg
}

// Client is an API client acting as one user.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	userID  string
	admin   bool
}

// New creates a client for the server at baseURL.
func New(baseURL, userID string, admin bool) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
		userID:  userID,
		admin:   admin,
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) Provision(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/provision", nil)
}

func (c *Client) Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodGet, vmPath(id, ""), nil)
}

func (c *Client) List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error) {
	var out []*v1alpha1.VirtualMachine
	err := c.do(ctx, http.MethodGet, "/v1/vms", nil, &out)
	return out, err
}

func (c *Client) ListExpired(ctx context.Context) ([]*v1alpha1.VirtualMachine, error) {
	var out []*v1alpha1.VirtualMachine
	err := c.do(ctx, http.MethodGet, "/v1/vms/expired", nil, &out)
	return out, err
}

func (c *Client) Power(ctx context.Context, id string, action v1alpha1.Action) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodPost, vmPath(id, "power"), httpapi.PowerRequest{Action: action})
}

func (c *Client) Rebuild(ctx context.Context, id, os string) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodPost, vmPath(id, "rebuild"), httpapi.RebuildRequest{OS: os})
}

func (c *Client) Retry(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodPost, vmPath(id, "retry"), nil)
}

func (c *Client) RecordBandwidth(ctx context.Context, id string, bytes int64) (*v1alpha1.VirtualMachine, error) {
	return c.vm(ctx, http.MethodPost, vmPath(id, "bandwidth"), httpapi.BandwidthRequest{Bytes: bytes})
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, vmPath(id, ""), nil, nil)
}

func (c *Client) Sweep(ctx context.Context) (*httpapi.SweepResponse, error) {
	var out httpapi.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sweeps", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) vm(ctx context.Context, method, path string, in any) (*v1alpha1.VirtualMachine, error) {
	var out v1alpha1.VirtualMachine
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func vmPath(id, sub string) string {
	p := "/v1/vms/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(httpapi.HeaderUserID, c.userID)
	if c.admin {
		req.Header.Set(httpapi.HeaderAdmin, strconv.FormatBool(true))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// a proxy may answer with a non-JSON body; the status still tells
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
