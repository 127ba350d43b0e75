package translator

import (
	"encoding/base64"
	"strings"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func normalizeRole(r string) Role {
	switch strings.ToLower(r) {
	case "system", "developer":
		return RoleSystem
	case "assistant", "model":
		return RoleAssistant
	case "tool", "function":
		return RoleTool
	default:
		return RoleUser
	}
}

// PartType distinguishes content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one piece of message content. Images carry either inline base64
// Data with a MIMEType or a remote URL.
type Part struct {
	Type     PartType
	Text     string
	MIMEType string
	Data     string
	URL      string
}

// TextPart builds a text part.
func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// DataURL renders an inline image as a data: URL, or returns URL.
func (p Part) DataURL() string {
	if p.Data != "" {
		return "data:" + p.MIMEType + ";base64," + p.Data
	}
	return p.URL
}

// imageFromURL splits data: URLs into inline parts and keeps everything
// else as a remote reference.
func imageFromURL(u string) Part {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			mime, isB64 := strings.CutSuffix(meta, ";base64")
			if !isB64 {
				data = base64.StdEncoding.EncodeToString([]byte(data))
			}
			return Part{Type: PartImage, MIMEType: mime, Data: data}
		}
	}
	return Part{Type: PartImage, URL: u}
}

// Message is one conversation turn.
type Message struct {
	Role  Role
	Parts []Part
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	if len(m.Parts) == 1 && m.Parts[0].Type == PartText {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImages reports whether m carries any image part.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// Params are the generation parameters shared by every format.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
}

// Envelope is the canonical, format-agnostic request. It is built once per
// inbound call and treated as read-only afterwards; use WithModel to derive
// the per-candidate copy sent upstream.
type Envelope struct {
	Source   Format
	Model    string
	Messages []Message
	Params   Params
	Stream   bool
}

// WithModel returns a shallow copy of e targeting model.
func (e *Envelope) WithModel(model string) *Envelope {
	cp := *e
	cp.Model = model
	return &cp
}

// System returns the concatenated text of every system message.
func (e *Envelope) System() string {
	var parts []string
	for _, m := range e.Messages {
		if m.Role == RoleSystem {
			if t := m.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// Conversation returns the non-system messages.
func (e *Envelope) Conversation() []Message {
	out := make([]Message, 0, len(e.Messages))
	for _, m := range e.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Usage counts tokens of one exchange.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Finish reasons, in OpenAI vocabulary.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
)

// Response is the canonical buffered completion.
type Response struct {
	ID           string
	Model        string
	Created      int64
	Content      string
	FinishReason string
	Usage        Usage
}

// Chunk is one canonical streaming delta. Usage is set on the chunk that
// carries final token counts, if the upstream reports them.
type Chunk struct {
	Content      string
	FinishReason string
	Usage        *Usage
}
