package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	providerName   = "anthropic"
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Format() translator.Format { return translator.Claude }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, errors.New("anthropic: empty request")
	}
	params := buildParams(req.Envelope)

	opts, err := p.requestOptions(req)
	if err != nil {
		return nil, err
	}

	if req.Envelope.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func buildParams(env *translator.Envelope) anthropic.MessageNewParams {
	conv := env.Conversation()
	msgs := make([]anthropic.MessageParam, 0, len(conv))
	for _, m := range conv {
		msgs = append(msgs, toSDKMessage(m))
	}

	maxTokens := env.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = translator.DefaultClaudeMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(env.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if system := env.System(); system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}
	if t := env.Params.Temperature; t != nil {
		params.Temperature = anthropic.Float(*t)
	}
	if tp := env.Params.TopP; tp != nil {
		params.TopP = anthropic.Float(*tp)
	}
	if len(env.Params.Stop) > 0 {
		params.StopSequences = env.Params.Stop
	}

	return params
}

func toSDKMessage(m translator.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if m.Role == translator.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case translator.PartText:
			blocks = append(blocks, anthropic.NewTextBlock(part.Text))
		case translator.PartImage:
			if part.Data != "" {
				blocks = append(blocks, anthropic.NewImageBlockBase64(part.MIMEType, part.Data))
			} else if part.URL != "" {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.URL}))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

// finishReason maps Anthropic stop reasons to the OpenAI vocabulary.
func finishReason(r anthropic.StopReason) string {
	switch r {
	case "":
		return ""
	case anthropic.StopReasonMaxTokens:
		return translator.FinishLength
	case anthropic.StopReasonToolUse:
		return translator.FinishToolCalls
	case anthropic.StopReasonRefusal:
		return translator.FinishContentFilter
	default:
		return translator.FinishStop
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ProxyResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c providers.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var inputTokens int
		for stream.Next() {
			ev := stream.Current()

			switch event := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(event.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				if d, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !send(providers.StreamChunk{Content: d.Text}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				if !send(providers.StreamChunk{
					FinishReason: finishReason(event.Delta.StopReason),
					Usage: &providers.Usage{
						InputTokens:  inputTokens,
						OutputTokens: int(event.Usage.OutputTokens),
					},
				}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func (p *Provider) requestOptions(req *providers.ProxyRequest) ([]option.RequestOption, error) {
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if req.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(req.BaseURL))
	}
	return opts, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retry      time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// RetryAfter implements providers.RetryAfterer.
func (e *ProviderError) RetryAfter() time.Duration { return e.Retry }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		pe := &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
		if apierr.Response != nil {
			pe.Retry = providers.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return err
}
