// Package docs talks to the documentation collaborator that renders
// per-customer welcome material. Failures are reported; the caller
// proceeds without documents.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Request identifies the customer and beacon the documents are for.
type Request struct {
	CustomerID   string `json:"customer_id"`
	Email        string `json:"email"`
	Bundle       string `json:"bundle"`
	InstanceIP   string `json:"instance_ip"`
	Subdomain    string `json:"subdomain"`
	BaseDomain   string `json:"base_domain"`
	CustomDomain string `json:"custom_domain,omitempty"`
}

// Result holds the rendered artifacts: file paths for stored documents
// and the welcome PDF bytes for the email attachment.
type Result struct {
	Files           map[string]string `json:"files"`
	WelcomePDFBytes []byte            `json:"welcome_pdf_bytes"`
}

// Generator renders customer documents.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// HTTPGenerator calls the documentation service.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Generator = (*HTTPGenerator)(nil)

// NewHTTPGenerator creates a generator client.
func NewHTTPGenerator(baseURL, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode docs request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("docs service: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("docs service: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("docs service returned HTTP %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("docs service: decode response: %w", err)
	}
	return &result, nil
}

// Noop is used when no documentation service is configured.
type Noop struct {
	Logger *slog.Logger
}

var _ Generator = (*Noop)(nil)

func (n *Noop) Generate(_ context.Context, req Request) (*Result, error) {
	if n.Logger != nil {
		n.Logger.Info("docs disabled, skipping generation", slog.String("subdomain", req.Subdomain))
	}
	return &Result{}, nil
}
