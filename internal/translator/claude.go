package translator

import (
	"bytes"
	"encoding/json"
	"errors"
)

type claudeCodec struct{}

// DefaultClaudeMaxTokens fills max_tokens, which Anthropic requires, when the
// source request did not set one.
const DefaultClaudeMaxTokens = 4096

type claudeRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []openaiMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	} `json:"source,omitempty"`
}

func claudeBlockToCanonical(raw json.RawMessage) (Part, bool) {
	var b claudeBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return Part{}, false
	}
	switch b.Type {
	case "text":
		return TextPart(b.Text), true
	case "image":
		if b.Source == nil {
			return Part{}, false
		}
		if b.Source.Type == "url" {
			return Part{Type: PartImage, URL: b.Source.URL}, true
		}
		return Part{Type: PartImage, MIMEType: b.Source.MediaType, Data: b.Source.Data}, true
	}
	return Part{}, false
}

func (claudeCodec) decodeRequest(body []byte) (*Envelope, error) {
	var req claudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages is required")
	}

	env := &Envelope{
		Model:  req.Model,
		Stream: req.Stream,
		Params: Params{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        req.StopSequences,
		},
	}

	if sys := bytes.TrimSpace(req.System); len(sys) > 0 && string(sys) != "null" {
		parts, err := textOrParts(sys, claudeBlockToCanonical)
		if err != nil {
			return nil, err
		}
		if len(parts) > 0 {
			env.Messages = append(env.Messages, Message{Role: RoleSystem, Parts: parts})
		}
	}
	for _, m := range req.Messages {
		parts, err := textOrParts(m.Content, claudeBlockToCanonical)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, Message{Role: normalizeRole(m.Role), Parts: parts})
	}
	return env, nil
}

func claudeBlocks(m Message) []map[string]any {
	blocks := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case PartImage:
			src := map[string]string{"type": "url", "url": p.URL}
			if p.Data != "" {
				src = map[string]string{"type": "base64", "media_type": p.MIMEType, "data": p.Data}
			}
			blocks = append(blocks, map[string]any{"type": "image", "source": src})
		}
	}
	return blocks
}

func (claudeCodec) encodeRequest(env *Envelope) ([]byte, error) {
	type msg struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}
	out := struct {
		Model         string   `json:"model"`
		System        string   `json:"system,omitempty"`
		Messages      []msg    `json:"messages"`
		MaxTokens     int      `json:"max_tokens"`
		Temperature   *float64 `json:"temperature,omitempty"`
		TopP          *float64 `json:"top_p,omitempty"`
		StopSequences []string `json:"stop_sequences,omitempty"`
		Stream        bool     `json:"stream,omitempty"`
	}{
		Model:         env.Model,
		System:        env.System(),
		MaxTokens:     env.Params.MaxTokens,
		Temperature:   env.Params.Temperature,
		TopP:          env.Params.TopP,
		StopSequences: env.Params.Stop,
		Stream:        env.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultClaudeMaxTokens
	}
	for _, m := range env.Conversation() {
		// Anthropic has no tool role without tool blocks; treat tool output as user text.
		role := m.Role
		if role == RoleTool {
			role = RoleUser
		}
		var content any = m.Text()
		if m.HasImages() {
			content = claudeBlocks(m)
		}
		out.Messages = append(out.Messages, msg{Role: role, Content: content})
	}
	return json.Marshal(out)
}

func claudeStopReason(finish string) string {
	switch finish {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func finishFromClaude(reason string) string {
	switch reason {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	case "":
		return ""
	default:
		return FinishStop
	}
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (claudeCodec) decodeResponse(body []byte) (*Response, error) {
	var r struct {
		ID         string        `json:"id"`
		Model      string        `json:"model"`
		Content    []claudeBlock `json:"content"`
		StopReason string        `json:"stop_reason"`
		Usage      claudeUsage   `json:"usage"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	out := &Response{
		ID:           r.ID,
		Model:        r.Model,
		FinishReason: finishFromClaude(r.StopReason),
		Usage:        Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}
	var text bytes.Buffer
	for _, b := range r.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	out.Content = text.String()
	return out, nil
}

func (claudeCodec) encodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":            r.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         r.Model,
		"content":       []map[string]string{{"type": "text", "text": r.Content}},
		"stop_reason":   claudeStopReason(r.FinishReason),
		"stop_sequence": nil,
		"usage":         claudeUsage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	})
}

func (claudeCodec) decodeChunk(data []byte) (Chunk, bool, error) {
	var ev struct {
		Type    string `json:"type"`
		Message *struct {
			Usage claudeUsage `json:"usage"`
		} `json:"message"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *claudeUsage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Chunk{}, false, err
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			u := ev.Message.Usage
			return Chunk{Usage: &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}}, false, nil
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			return Chunk{Content: ev.Delta.Text}, false, nil
		}
	case "message_delta":
		c := Chunk{}
		if ev.Delta != nil {
			c.FinishReason = finishFromClaude(ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			c.Usage = &Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
		return c, false, nil
	case "message_stop":
		return Chunk{}, true, nil
	case "error":
		msg := "upstream stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return Chunk{}, true, errors.New(msg)
	}
	return Chunk{}, false, nil
}

type claudeStream struct {
	meta StreamMeta
}

func (claudeCodec) newStream(meta StreamMeta) StreamEncoder {
	return &claudeStream{meta: meta}
}

func (s *claudeStream) Start() []byte {
	start := sse("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.meta.ID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.meta.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         claudeUsage{},
		},
	})
	block := sse("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	return append(start, block...)
}

func (s *claudeStream) Chunk(c Chunk) []byte {
	if c.Content == "" {
		return nil
	}
	return sse("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": c.Content},
	})
}

func (s *claudeStream) End(finish string, u Usage) []byte {
	var b bytes.Buffer
	b.Write(sse("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}))
	b.Write(sse("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": claudeStopReason(finish), "stop_sequence": nil},
		"usage": claudeUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens},
	}))
	b.Write(sse("message_stop", map[string]string{"type": "message_stop"}))
	return b.Bytes()
}
