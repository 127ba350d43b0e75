// Package openaicompat provides a generic OpenAI-compatible LLM provider.
// Use it for any service that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Mistral, etc.). With WithAzure it speaks
// the Azure OpenAI dialect: deployment-based URLs and the "api-key" header.
package openaicompat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
)

// Provider is a configurable OpenAI-compatible LLM provider.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string // non-empty in Azure mode
	client     *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithAzure switches to the Azure OpenAI dialect. Model names have an
// "azure-" prefix stripped to derive the deployment name.
func WithAzure(apiVersion string) Option {
	return func(p *Provider) { p.apiVersion = apiVersion }
}

// New creates a new OpenAI-compatible Provider.
//
//   - name: unique provider identifier used for routing and logs.
//   - apiKey: default key, used when the selected account carries none.
//   - baseURL: API base URL, e.g. "https://api.x.ai/v1", or the Azure
//     resource endpoint in Azure mode.
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Format() translator.Format { return translator.OpenAI }

func (p *Provider) azure() bool { return p.apiVersion != "" }

func (p *Provider) HealthCheck(ctx context.Context) error {
	u := p.baseURL + "/models"
	if p.azure() {
		u = fmt.Sprintf("%s/openai/models?api-version=%s", p.baseURL, url.QueryEscape(p.apiVersion))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	p.authorize(req, p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: health check: %w", p.name, providers.ReadHTTPError(p.name, resp))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("%s: empty request", p.name)
	}
	key, err := p.effectiveAPIKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	env := req.Envelope
	body, err := translator.FromCanonical(env, translator.OpenAI)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.completionsURL(req), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	p.authorize(httpReq, key)
	httpReq.Header.Set("Content-Type", "application/json")
	if env.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providers.ReadHTTPError(p.name, resp)
	}

	if env.Stream {
		return &providers.ProxyResponse{
			Model:  req.Envelope.Model,
			Stream: providers.PumpStream(ctx, resp.Body, translator.OpenAI),
		}, nil
	}
	defer resp.Body.Close()
	return p.handleResponse(req, resp)
}

func (p *Provider) handleResponse(req *providers.ProxyRequest, resp *http.Response) (*providers.ProxyResponse, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	r, err := translator.DecodeResponse(translator.OpenAI, data)
	if err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	out := &providers.ProxyResponse{
		ID:           r.ID,
		Model:        r.Model,
		Content:      r.Content,
		FinishReason: r.FinishReason,
		Usage:        r.Usage,
	}
	if out.ID == "" {
		out.ID = req.RequestID
	}
	if out.ID == "" {
		out.ID = p.name + "-" + uuid.NewString()
	}
	if out.Model == "" {
		out.Model = req.Envelope.Model
	}
	return out, nil
}

func (p *Provider) completionsURL(req *providers.ProxyRequest) string {
	base := p.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	if !p.azure() {
		return base + "/chat/completions"
	}
	return fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(deploymentName(req.Envelope.Model)), url.QueryEscape(p.apiVersion),
	)
}

// deploymentName strips the "azure-" prefix if present, yielding the
// Azure deployment name used in the URL.
func deploymentName(model string) string {
	return strings.TrimPrefix(model, "azure-")
}

func (p *Provider) authorize(req *http.Request, key string) {
	if p.azure() {
		req.Header.Set("api-key", key)
		return
	}
	req.Header.Set("Authorization", "Bearer "+key)
}

func (p *Provider) effectiveAPIKey(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if p.apiKey == "" {
		return "", fmt.Errorf("%s: no API key configured", p.name)
	}
	return p.apiKey, nil
}
