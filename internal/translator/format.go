// Package translator detects the wire format of inbound chat requests and
// converts between those formats and a canonical Envelope.
//
// Five JSON formats are supported in both directions: OpenAI chat
// completions, OpenAI responses, Anthropic messages, Gemini and Ollama.
// Round trips through the canonical form keep roles, text and the stream
// flag; anything a target format cannot express is dropped silently.
package translator

import (
	"fmt"
	"strings"
)

// Format tags a request or response wire format.
type Format string

const (
	OpenAI    Format = "openai"
	Responses Format = "openai-responses"
	Claude    Format = "claude"
	Gemini    Format = "gemini"
	Ollama    Format = "ollama"

	// Connect is the binary protobuf upstream format handled by the wire
	// subpackage. It is never detected on inbound traffic.
	Connect Format = "connect"
)

// Formats lists the JSON formats in detection order.
var Formats = []Format{Gemini, Responses, Claude, Ollama, OpenAI}

// ParseFormat accepts a format tag or one of its common aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "chat", "openai-chat":
		return OpenAI, nil
	case "openai-responses", "responses":
		return Responses, nil
	case "claude", "anthropic":
		return Claude, nil
	case "gemini", "google":
		return Gemini, nil
	case "ollama":
		return Ollama, nil
	case "connect":
		return Connect, nil
	}
	return "", fmt.Errorf("translator: unknown format %q", s)
}

// FormatForPath returns the format implied by an inbound route, or "" when
// the path does not pin one.
func FormatForPath(path string) Format {
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return OpenAI
	case strings.HasPrefix(path, "/v1/responses"):
		return Responses
	case strings.HasPrefix(path, "/v1/messages"):
		return Claude
	case strings.HasPrefix(path, "/v1beta/models/"):
		return Gemini
	case strings.HasPrefix(path, "/api/chat"):
		return Ollama
	}
	return ""
}

// ContentType is the response media type a client of f expects.
func (f Format) ContentType(stream bool) string {
	switch {
	case !stream:
		return "application/json"
	case f == Ollama:
		return "application/x-ndjson"
	default:
		return "text/event-stream"
	}
}
