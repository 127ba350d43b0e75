// Package providers defines the contract between the gateway and upstream
// LLM APIs, plus the shared types every adapter uses.
//
// Each adapter lives in its own sub-package and implements Provider. An
// adapter is stateless with respect to credentials: the account chosen by
// the selector travels on every ProxyRequest.
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/nulpointcorp/routegate/internal/translator"
)

type (
	// Usage is the token count reported by an upstream.
	Usage = translator.Usage

	// StreamChunk is one delta delivered during a streaming response. A chunk
	// with Err set is the last one sent on the channel.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// ProxyRequest is one dispatch attempt against a single account.
	ProxyRequest struct {
		Envelope  *translator.Envelope
		RequestID string
		AccountID string
		APIKey    string
		BaseURL   string
	}

	// ProxyResponse is the normalized upstream reply.
	ProxyResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider is an upstream LLM API.
type Provider interface {
	Name() string
	Format() translator.Format
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// Default dispatch constants.
const (
	MaxRetries      = 3
	ProviderTimeout = 30 * time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by errors that carry an upstream Retry-After hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// modelPrefixes maps bare model-name prefixes to the provider that serves
// them when a target omits the "provider/" part.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "gemini"},
	{"gemma-", "gemini"},
	{"azure-", "azure"},
}

// InferProvider guesses the provider of a bare model name. It returns ""
// when the name matches no known family.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.provider
		}
	}
	return ""
}

// ParseTarget splits a "provider/model" target. Only the first slash
// separates, so upstream model ids may contain slashes themselves. Bare
// names fall back to InferProvider.
func ParseTarget(target string) (provider, model string) {
	if i := strings.IndexByte(target, '/'); i > 0 {
		return target[:i], target[i+1:]
	}
	return InferProvider(target), target
}

// Target joins provider and model.
func Target(provider, model string) string {
	return provider + "/" + model
}
