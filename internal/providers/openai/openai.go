// Package openai adapts the OpenAI chat completions API through the official
// SDK. The account chosen per request supplies the key and, for compatible
// deployments, the base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	client     openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithName registers the adapter under another provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:    providerName,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: providers.ProviderTimeout}
	}
	httpClient := p.httpClient
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient = &http.Client{
			Timeout:   p.httpClient.Timeout,
			Transport: newBaseURLTransport(transportOf(p.httpClient), p.baseURL),
		}
	}

	// Retries are owned by the gateway's candidate walk.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Format() translator.Format { return translator.OpenAI }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("%s: empty request", p.name)
	}
	params := buildChatCompletionParams(req.Envelope)

	opts, err := p.requestOptions(req)
	if err != nil {
		return nil, err
	}

	if req.Envelope.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func buildChatCompletionParams(env *translator.Envelope) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(env.Messages))
	for _, m := range env.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    env.Model,
	}

	if t := env.Params.Temperature; t != nil {
		params.Temperature = openaiSDK.Float(*t)
	}
	if tp := env.Params.TopP; tp != nil {
		params.TopP = openaiSDK.Float(*tp)
	}
	if env.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(env.Params.MaxTokens))
	}
	if len(env.Params.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: env.Params.Stop}
	}
	if env.Stream {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{IncludeUsage: openaiSDK.Bool(true)}
	}

	return params
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &providers.ProxyResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()

			var out providers.StreamChunk
			if len(chunk.Choices) > 0 {
				out.Content = chunk.Choices[0].Delta.Content
				out.FinishReason = chunk.Choices[0].FinishReason
			}
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				out.Usage = &providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
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

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// requestOptions applies the selected account's credentials.
func (p *Provider) requestOptions(req *providers.ProxyRequest) ([]option.RequestOption, error) {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(req.BaseURL, "/")+"/"))
	}
	return opts, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retry      time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (e *ProviderError) RetryAfter() time.Duration { return e.Retry }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
			Code:       apierr.Code,
		}
		if apierr.Response != nil {
			pe.Retry = providers.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return err
}

func transportOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(m translator.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case translator.RoleSystem:
		return openaiSDK.SystemMessage(m.Text())
	case translator.RoleAssistant:
		return openaiSDK.AssistantMessage(m.Text())
	}

	if !m.HasImages() {
		return openaiSDK.UserMessage(m.Text())
	}
	parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case translator.PartText:
			parts = append(parts, openaiSDK.TextContentPart(part.Text))
		case translator.PartImage:
			parts = append(parts, openaiSDK.ImageContentPart(
				openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: part.DataURL()},
			))
		}
	}
	return openaiSDK.UserMessage(parts)
}
