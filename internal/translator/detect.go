package translator

import "encoding/json"

// probe decodes only the structural markers Detect looks at.
type probe struct {
	Contents json.RawMessage `json:"contents"`
	Input    json.RawMessage `json:"input"`
	Messages []probeMessage  `json:"messages"`

	System           json.RawMessage `json:"system"`
	AnthropicVersion json.RawMessage `json:"anthropic_version"`
	StopSequences    json.RawMessage `json:"stop_sequences"`
	TopK             json.RawMessage `json:"top_k"`
	Thinking         json.RawMessage `json:"thinking"`

	Options   json.RawMessage `json:"options"`
	KeepAlive json.RawMessage `json:"keep_alive"`
	Format    json.RawMessage `json:"format"`
}

type probeMessage struct {
	Content json.RawMessage `json:"content"`
	Images  json.RawMessage `json:"images"`
}

type probeBlock struct {
	Type   string          `json:"type"`
	Source json.RawMessage `json:"source"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// predicate reports whether a probe has the shape of one format.
type predicate struct {
	format Format
	match  func(*probe) bool
}

// predicates run in order; the first match wins.
var predicates = []predicate{
	{Gemini, isGemini},
	{Responses, isResponses},
	{Claude, isClaude},
	{Ollama, isOllama},
}

func isGemini(p *probe) bool {
	return present(p.Contents)
}

func isResponses(p *probe) bool {
	return present(p.Input) && p.Messages == nil
}

func isClaude(p *probe) bool {
	if p.Messages == nil {
		return false
	}
	if present(p.System) || present(p.AnthropicVersion) || present(p.StopSequences) ||
		present(p.TopK) || present(p.Thinking) {
		return true
	}
	for _, m := range p.Messages {
		if hasAnthropicBlocks(m.Content) {
			return true
		}
	}
	return false
}

func hasAnthropicBlocks(content json.RawMessage) bool {
	if len(content) == 0 || content[0] != '[' {
		return false
	}
	var blocks []probeBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if present(b.Source) {
			return true
		}
		switch b.Type {
		case "tool_use", "tool_result", "thinking", "redacted_thinking", "document":
			return true
		}
	}
	return false
}

func isOllama(p *probe) bool {
	if p.Messages == nil {
		return false
	}
	if present(p.Options) || present(p.KeepAlive) || present(p.Format) {
		return true
	}
	for _, m := range p.Messages {
		if present(m.Images) {
			return true
		}
	}
	return false
}

// Detect inspects body and returns its format. Bodies that match no
// predicate, including invalid JSON, are treated as OpenAI chat.
func Detect(body []byte) Format {
	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return OpenAI
	}
	for _, pr := range predicates {
		if pr.match(&p) {
			return pr.format
		}
	}
	return OpenAI
}

// DetectWithHint returns hint when set, otherwise Detect(body).
func DetectWithHint(body []byte, hint Format) Format {
	if hint != "" {
		return hint
	}
	return Detect(body)
}
