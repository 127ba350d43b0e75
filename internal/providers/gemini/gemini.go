package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini (official GenAI
// SDK). The same adapter serves Vertex AI when built with WithVertex.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client

	backend  genai.Backend
	project  string
	location string

	mu      sync.Mutex
	clients map[string]*genai.Client // by key + base URL
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithVertex switches the adapter to the Vertex AI backend and registers it
// as "vertexai".
func WithVertex(project, location string) Option {
	return func(p *Provider) {
		p.name = "vertexai"
		p.backend = genai.BackendVertexAI
		p.project = project
		p.location = location
		p.baseURL = ""
	}
}

// New creates a new Gemini Provider. It fails when the default client cannot
// be built.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		name:       providerName,
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		backend:    genai.BackendGeminiAPI,
		httpClient: &http.Client{Timeout: providers.ProviderTimeout},
		clients:    make(map[string]*genai.Client),
	}
	for _, o := range opts {
		o(p)
	}

	if apiKey != "" {
		if _, err := p.clientFor(ctx, apiKey, ""); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Format() translator.Format { return translator.Gemini }

func (p *Provider) HealthCheck(ctx context.Context) error {
	client, err := p.clientFor(ctx, p.apiKey, "")
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("%s: empty request", p.name)
	}
	contents, cfg := buildContentsAndConfig(req.Envelope)

	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	client, err := p.clientFor(ctx, key, req.BaseURL)
	if err != nil {
		return nil, err
	}

	if req.Envelope.Stream {
		return p.handleStreaming(ctx, client, req.Envelope.Model, contents, cfg)
	}
	return p.handleResponse(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(env *translator.Envelope) ([]*genai.Content, *genai.GenerateContentConfig) {
	conv := env.Conversation()
	contents := make([]*genai.Content, 0, len(conv))
	for _, m := range conv {
		contents = append(contents, &genai.Content{
			Role:  translator.GeminiRole(m.Role),
			Parts: toSDKParts(m),
		})
	}

	system := env.System()
	par := env.Params
	if system == "" && par.Temperature == nil && par.TopP == nil && par.MaxTokens == 0 && len(par.Stop) == 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if par.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*par.Temperature))
	}
	if par.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*par.TopP))
	}
	if par.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(par.MaxTokens)
	}
	if len(par.Stop) > 0 {
		cfg.StopSequences = par.Stop
	}
	return contents, cfg
}

func toSDKParts(m translator.Message) []*genai.Part {
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case translator.PartText:
			parts = append(parts, &genai.Part{Text: part.Text})
		case translator.PartImage:
			if part.Data != "" {
				data, err := base64.StdEncoding.DecodeString(part.Data)
				if err != nil {
					continue
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: part.MIMEType, Data: data}})
			} else if part.URL != "" {
				parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: part.URL, MIMEType: part.MIMEType}})
			}
		}
	}
	return parts
}

func (p *Provider) handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *providers.ProxyRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Envelope.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := &providers.ProxyResponse{ID: id, Model: req.Envelope.Model}
	if resp == nil {
		return out, nil
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		c := resp.Candidates[0]
		out.Content = candidateText(c)
		out.FinishReason = translator.FinishFromGemini(string(c.FinishReason))
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Err: toProviderError(err)}
				return
			}
			if resp == nil {
				continue
			}

			var out providers.StreamChunk
			if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
				c := resp.Candidates[0]
				out.Content = candidateText(c)
				out.FinishReason = translator.FinishFromGemini(string(c.FinishReason))
			}
			if u := resp.UsageMetadata; u != nil && (u.PromptTokenCount > 0 || u.CandidatesTokenCount > 0) {
				out.Usage = &providers.Usage{
					InputTokens:  int(u.PromptTokenCount),
					OutputTokens: int(u.CandidatesTokenCount),
				}
			}
			if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// clientFor returns a cached client for the given credentials.
func (p *Provider) clientFor(ctx context.Context, key, baseURL string) (*genai.Client, error) {
	if key == "" && p.backend == genai.BackendGeminiAPI {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	if baseURL == "" {
		baseURL = p.baseURL
	}
	cacheKey := key + "|" + baseURL

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[cacheKey]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    p.backend,
		HTTPClient: p.httpClient,
	}
	if p.backend == genai.BackendVertexAI {
		cfg.Project = p.project
		cfg.Location = p.location
		if key != "" {
			// Vertex express mode authenticates with an API key and no project.
			cfg.Project, cfg.Location = "", ""
		}
	}
	if baseURL != "" {
		base, ver := splitBaseURLAndVersion(baseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: client: %w", p.name, err)
	}
	p.clients[cacheKey] = client
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces an ID for responses that don't include one.
func generateID() string {
	return "gemini-" + uuid.NewString()
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
