// Package ollama adapts a local or remote Ollama server (POST /api/chat).
// Streaming responses are newline-delimited JSON.
package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

type Provider struct {
	baseURL string
	client  *http.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Format() translator.Format { return translator.Ollama }

// HealthCheck lists local models.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check: %w", providers.ReadHTTPError(providerName, resp))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("ollama: empty request")
	}
	body, err := translator.FromCanonical(req.Envelope, translator.Ollama)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}

	base := p.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		// Hosted Ollama endpoints sit behind a bearer-token proxy.
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providers.ReadHTTPError(providerName, resp)
	}

	if req.Envelope.Stream {
		return &providers.ProxyResponse{
			Model:  req.Envelope.Model,
			Stream: providers.PumpStream(ctx, resp.Body, translator.Ollama),
		}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}
	r, err := translator.DecodeResponse(translator.Ollama, data)
	if err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	id := req.RequestID
	if id == "" {
		id = "ollama-" + uuid.NewString()
	}
	model := r.Model
	if model == "" {
		model = req.Envelope.Model
	}
	return &providers.ProxyResponse{
		ID:           id,
		Model:        model,
		Content:      r.Content,
		FinishReason: r.FinishReason,
		Usage:        r.Usage,
	}, nil
}
