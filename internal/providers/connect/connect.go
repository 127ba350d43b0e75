// Package connect adapts upstreams that speak the binary Connect protocol:
// a server-streaming ChatService/Chat RPC with protobuf-framed messages.
// Unary calls reuse the stream and concatenate its frames.
package connect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/translator"
	"github.com/nulpointcorp/routegate/internal/translator/wire"
)

// ChatPath is the RPC path appended to the account base URL.
const ChatPath = "/routegate.chat.v1.ChatService/Chat"

type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	decoder wire.Decoder
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger receives unknown-field warnings from the decoder.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.decoder.Logger = l }
}

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

func (p *Provider) Format() translator.Format { return translator.Connect }

// HealthCheck only verifies that the endpoint accepts connections; Connect
// servers have no standard listing RPC.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: health check: status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Envelope == nil {
		return nil, fmt.Errorf("%s: empty request", p.name)
	}

	body := wire.AppendFrame(nil, wire.FlagData, wire.EncodeRequest(req.Envelope))

	base := p.baseURL
	if req.BaseURL != "" {
		base = strings.TrimRight(req.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+ChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", wire.ContentType)
	httpReq.Header.Set("Connect-Protocol-Version", "1")
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, providers.ReadHTTPError(p.name, resp)
	}

	if req.Envelope.Stream {
		return &providers.ProxyResponse{Model: req.Envelope.Model, Stream: p.pump(ctx, resp.Body)}, nil
	}
	defer resp.Body.Close()
	return p.collect(req, resp.Body)
}

// collect drains a whole stream into one response.
func (p *Provider) collect(req *providers.ProxyRequest, body io.Reader) (*providers.ProxyResponse, error) {
	out := &providers.ProxyResponse{ID: req.RequestID, Model: req.Envelope.Model}
	var sb strings.Builder
	err := p.readFrames(body, func(f wire.ResponseFrame) bool {
		if f.ID != "" && out.ID == "" {
			out.ID = f.ID
		}
		if f.Model != "" {
			out.Model = f.Model
		}
		sb.WriteString(f.Content)
		if f.FinishReason != "" {
			out.FinishReason = f.FinishReason
		}
		if f.Usage != nil {
			out.Usage = *f.Usage
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out.Content = sb.String()
	if out.ID == "" {
		out.ID = p.name + "-" + uuid.NewString()
	}
	return out, nil
}

func (p *Provider) pump(ctx context.Context, body io.ReadCloser) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer body.Close()

		err := p.readFrames(body, func(f wire.ResponseFrame) bool {
			if f.Content == "" && f.FinishReason == "" && f.Usage == nil {
				return true
			}
			select {
			case ch <- providers.StreamChunk{Content: f.Content, FinishReason: f.FinishReason, Usage: f.Usage}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			select {
			case ch <- providers.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// readFrames calls fn for every data frame until the end-of-stream trailer.
// A stream that ends without a trailer is an error.
func (p *Provider) readFrames(r io.Reader, fn func(wire.ResponseFrame) bool) error {
	for {
		flags, payload, err := wire.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: stream ended without trailer", p.name)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}

		if flags&wire.FlagEndStream != 0 {
			return wire.ParseEndStream(payload)
		}

		f, err := p.decoder.DecodeResponse(payload)
		if err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		if !fn(f) {
			return nil
		}
	}
}
