// Package rest is the shared HTTP plumbing for the REST-based vendor
// adapters. Each adapter owns its request/response structs; this
// package owns transport, auth headers, and taxonomy mapping.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/woprhq/provisioner/internal/provider"
)

const defaultTimeout = 30 * time.Second

// TokenSource supplies a bearer token per request, for vendors whose
// tokens expire and need refreshing.
type TokenSource func(ctx context.Context) (string, error)

// Option customizes a Client.
type Option func(*Client)

// WithTokenSource makes the client fetch its bearer token from fn
// instead of using the static token.
func WithTokenSource(fn TokenSource) Option {
	return func(c *Client) { c.tokenSource = fn }
}

// WithRequestEditor runs fn on every outgoing request, after the
// standard headers are set.
func WithRequestEditor(fn func(*http.Request)) Option {
	return func(c *Client) { c.editors = append(c.editors, fn) }
}

// Client wraps a vendor REST API with bearer-token auth.
type Client struct {
	providerID  string
	baseURL     string
	token       string
	tokenSource TokenSource
	editors     []func(*http.Request)
	httpClient  *http.Client
}

// NewClient creates a REST client for one vendor API.
func NewClient(providerID, baseURL, token string, opts ...Option) *Client {
	c := &Client{
		providerID: providerID,
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// vendorError is the common shape of vendor error envelopes; adapters
// whose vendors deviate decode their own envelope instead.
type vendorError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Errors  []struct {
		Reason string `json:"reason"`
	} `json:"errors"`
}

func (v vendorError) text() string {
	switch {
	case v.Message != "":
		return v.Message
	case v.Error != "":
		return v.Error
	case len(v.Errors) > 0:
		return v.Errors[0].Reason
	default:
		return ""
	}
}

// Do performs an HTTP request against the vendor API. A non-nil body
// is JSON-encoded; a non-nil out receives the decoded response body.
// Vendor failures come back as *provider.Error with the taxonomy kind
// derived from the status code.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return provider.NewError(c.providerID, op, provider.ErrorFatal, "encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return provider.NewError(c.providerID, op, provider.ErrorFatal, "build request", err)
	}

	token := c.token
	if c.tokenSource != nil {
		token, err = c.tokenSource(ctx)
		if err != nil {
			return provider.NewError(c.providerID, op, provider.ErrorAuth, "acquire token", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, edit := range c.editors {
		edit(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := provider.ErrorTransient
		var netErr net.Error
		if !errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
			kind = provider.ErrorFatal
		}
		return provider.NewError(c.providerID, op, kind, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.NewError(c.providerID, op, provider.ErrorTransient, "read response", err)
	}

	if resp.StatusCode >= 400 {
		var ve vendorError
		_ = json.Unmarshal(payload, &ve)
		msg := ve.text()
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return provider.NewError(c.providerID, op, provider.KindFromHTTPStatus(resp.StatusCode), msg, nil)
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return provider.NewError(c.providerID, op, provider.ErrorFatal, "decode response", err)
		}
	}
	return nil
}

// Get is shorthand for Do with the GET method and no body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is shorthand for Do with the POST method.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Delete is shorthand for Do with the DELETE method. Not-found
// responses are surfaced, not swallowed; idempotent deletes are the
// adapter's decision.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}
