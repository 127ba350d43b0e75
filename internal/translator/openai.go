package translator

import (
	"encoding/json"
	"errors"
	"time"
)

type openaiCodec struct{}

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openaiPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func openaiPartToCanonical(raw json.RawMessage) (Part, bool) {
	var p openaiPart
	if err := json.Unmarshal(raw, &p); err != nil {
		return Part{}, false
	}
	switch p.Type {
	case "text":
		return TextPart(p.Text), true
	case "image_url":
		if p.ImageURL != nil && p.ImageURL.URL != "" {
			return imageFromURL(p.ImageURL.URL), true
		}
	}
	return Part{}, false
}

func (openaiCodec) decodeRequest(body []byte) (*Envelope, error) {
	var req openaiRequest
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
		},
	}
	if env.Params.MaxTokens == 0 {
		env.Params.MaxTokens = req.MaxCompletionTokens
	}
	stop, err := stringList(req.Stop)
	if err != nil {
		return nil, err
	}
	env.Params.Stop = stop

	for _, m := range req.Messages {
		parts, err := textOrParts(m.Content, openaiPartToCanonical)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, Message{Role: normalizeRole(m.Role), Parts: parts})
	}
	return env, nil
}

func openaiContent(m Message) any {
	if !m.HasImages() {
		return m.Text()
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		case PartImage:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]string{"url": p.DataURL()},
			})
		}
	}
	return parts
}

func (openaiCodec) encodeRequest(env *Envelope) ([]byte, error) {
	type msg struct {
		Role    Role `json:"role"`
		Content any  `json:"content"`
	}
	out := struct {
		Model         string         `json:"model"`
		Messages      []msg          `json:"messages"`
		Stream        bool           `json:"stream,omitempty"`
		Temperature   *float64       `json:"temperature,omitempty"`
		TopP          *float64       `json:"top_p,omitempty"`
		MaxTokens     int            `json:"max_tokens,omitempty"`
		Stop          []string       `json:"stop,omitempty"`
		StreamOptions *streamOptions `json:"stream_options,omitempty"`
	}{
		Model:       env.Model,
		Stream:      env.Stream,
		Temperature: env.Params.Temperature,
		TopP:        env.Params.TopP,
		MaxTokens:   env.Params.MaxTokens,
		Stop:        env.Params.Stop,
	}
	if env.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range env.Messages {
		out.Messages = append(out.Messages, msg{Role: m.Role, Content: openaiContent(m)})
	}
	return json.Marshal(out)
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

func (openaiCodec) decodeResponse(body []byte) (*Response, error) {
	var r openaiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	out := &Response{ID: r.ID, Model: r.Model, Created: r.Created}
	if len(r.Choices) > 0 {
		out.Content = r.Choices[0].Message.Content
		out.FinishReason = r.Choices[0].FinishReason
	}
	if r.Usage != nil {
		out.Usage = Usage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
	}
	return out, nil
}

func created(ts int64) int64 {
	if ts == 0 {
		return time.Now().Unix()
	}
	return ts
}

func finishOrStop(s string) string {
	if s == "" {
		return FinishStop
	}
	return s
}

func (openaiCodec) encodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":      r.ID,
		"object":  "chat.completion",
		"created": created(r.Created),
		"model":   r.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": r.Content},
			"finish_reason": finishOrStop(r.FinishReason),
		}},
		"usage": openaiUsage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.Total(),
		},
	})
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

func (openaiCodec) decodeChunk(data []byte) (Chunk, bool, error) {
	if string(data) == "[DONE]" {
		return Chunk{}, true, nil
	}
	var c openaiChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, false, err
	}
	var out Chunk
	if len(c.Choices) > 0 {
		out.Content = c.Choices[0].Delta.Content
		if fr := c.Choices[0].FinishReason; fr != nil {
			out.FinishReason = *fr
		}
	}
	if c.Usage != nil {
		out.Usage = &Usage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens}
	}
	return out, false, nil
}

type openaiStream struct {
	meta StreamMeta
}

func (openaiCodec) newStream(meta StreamMeta) StreamEncoder {
	meta.Created = created(meta.Created)
	return &openaiStream{meta: meta}
}

func (s *openaiStream) frame(delta map[string]string, finish any, usage *openaiUsage) []byte {
	chunk := map[string]any{
		"id":      s.meta.ID,
		"object":  "chat.completion.chunk",
		"created": s.meta.Created,
		"model":   s.meta.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	return sse("", chunk)
}

func (s *openaiStream) Start() []byte {
	return s.frame(map[string]string{"role": "assistant"}, nil, nil)
}

func (s *openaiStream) Chunk(c Chunk) []byte {
	if c.Content == "" {
		return nil
	}
	return s.frame(map[string]string{"content": c.Content}, nil, nil)
}

func (s *openaiStream) End(finish string, u Usage) []byte {
	usage := &openaiUsage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.Total()}
	out := s.frame(map[string]string{}, finishOrStop(finish), usage)
	return append(out, "data: [DONE]\n\n"...)
}
