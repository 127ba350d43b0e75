package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type responsesCodec struct{}

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

type responsesItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func responsesPartToCanonical(raw json.RawMessage) (Part, bool) {
	var p struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL string `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Part{}, false
	}
	switch p.Type {
	case "input_text", "output_text", "text":
		return TextPart(p.Text), true
	case "input_image":
		if p.ImageURL != "" {
			return imageFromURL(p.ImageURL), true
		}
	}
	return Part{}, false
}

func (responsesCodec) decodeRequest(body []byte) (*Envelope, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	input := bytes.TrimSpace(req.Input)
	if len(input) == 0 || string(input) == "null" {
		return nil, errors.New("input is required")
	}

	env := &Envelope{
		Model:  req.Model,
		Stream: req.Stream,
		Params: Params{Temperature: req.Temperature, TopP: req.TopP, MaxTokens: req.MaxOutputTokens},
	}
	if req.Instructions != "" {
		env.Messages = append(env.Messages, Message{Role: RoleSystem, Parts: []Part{TextPart(req.Instructions)}})
	}

	if input[0] == '"' {
		var s string
		if err := json.Unmarshal(input, &s); err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, Message{Role: RoleUser, Parts: []Part{TextPart(s)}})
		return env, nil
	}

	var items []responsesItem
	if err := json.Unmarshal(input, &items); err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Type != "" && it.Type != "message" {
			continue
		}
		parts, err := textOrParts(it.Content, responsesPartToCanonical)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, Message{Role: normalizeRole(it.Role), Parts: parts})
	}
	return env, nil
}

func (responsesCodec) encodeRequest(env *Envelope) ([]byte, error) {
	type item struct {
		Type    string           `json:"type"`
		Role    Role             `json:"role"`
		Content []map[string]any `json:"content"`
	}
	out := struct {
		Model           string   `json:"model"`
		Input           []item   `json:"input"`
		Instructions    string   `json:"instructions,omitempty"`
		Stream          bool     `json:"stream,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"top_p,omitempty"`
		MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	}{
		Model:           env.Model,
		Instructions:    env.System(),
		Stream:          env.Stream,
		Temperature:     env.Params.Temperature,
		TopP:            env.Params.TopP,
		MaxOutputTokens: env.Params.MaxTokens,
	}
	for _, m := range env.Conversation() {
		textType := "input_text"
		if m.Role == RoleAssistant {
			textType = "output_text"
		}
		it := item{Type: "message", Role: m.Role, Content: []map[string]any{}}
		for _, p := range m.Parts {
			switch {
			case p.Type == PartText:
				it.Content = append(it.Content, map[string]any{"type": textType, "text": p.Text})
			case p.Type == PartImage && m.Role != RoleAssistant:
				it.Content = append(it.Content, map[string]any{"type": "input_image", "image_url": p.DataURL()})
			}
		}
		out.Input = append(out.Input, it)
	}
	return json.Marshal(out)
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesBody struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Model     string `json:"model"`
	Status    string `json:"status"`
	Output    []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage *responsesUsage `json:"usage"`
}

func (b *responsesBody) toCanonical() *Response {
	out := &Response{ID: b.ID, Model: b.Model, Created: b.CreatedAt, FinishReason: FinishStop}
	var text strings.Builder
	for _, o := range b.Output {
		if o.Type != "message" {
			continue
		}
		for _, c := range o.Content {
			if c.Type == "output_text" {
				text.WriteString(c.Text)
			}
		}
	}
	out.Content = text.String()
	if b.Status == "incomplete" {
		out.FinishReason = FinishLength
		if b.IncompleteDetails != nil && b.IncompleteDetails.Reason == "content_filter" {
			out.FinishReason = FinishContentFilter
		}
	}
	if b.Usage != nil {
		out.Usage = Usage{InputTokens: b.Usage.InputTokens, OutputTokens: b.Usage.OutputTokens}
	}
	return out
}

func (responsesCodec) decodeResponse(body []byte) (*Response, error) {
	var b responsesBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	return b.toCanonical(), nil
}

func responsesObject(id, model string, createdAt int64, status, text, finish string, u Usage) map[string]any {
	obj := map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": createdAt,
		"model":      model,
		"status":     status,
		"output": []map[string]any{{
			"type":   "message",
			"id":     "msg_" + id,
			"role":   "assistant",
			"status": status,
			"content": []map[string]any{{
				"type":        "output_text",
				"text":        text,
				"annotations": []any{},
			}},
		}},
		"usage": responsesUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.Total()},
	}
	if status == "incomplete" {
		reason := "max_output_tokens"
		if finish == FinishContentFilter {
			reason = "content_filter"
		}
		obj["incomplete_details"] = map[string]string{"reason": reason}
	}
	return obj
}

func responsesStatus(finish string) string {
	switch finish {
	case FinishLength, FinishContentFilter:
		return "incomplete"
	}
	return "completed"
}

func (responsesCodec) encodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(responsesObject(r.ID, r.Model, created(r.Created),
		responsesStatus(r.FinishReason), r.Content, r.FinishReason, r.Usage))
}

func (responsesCodec) decodeChunk(data []byte) (Chunk, bool, error) {
	var ev struct {
		Type     string          `json:"type"`
		Delta    string          `json:"delta"`
		Response *responsesBody  `json:"response"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Chunk{}, false, err
	}
	switch ev.Type {
	case "response.output_text.delta":
		return Chunk{Content: ev.Delta}, false, nil
	case "response.completed", "response.incomplete":
		c := Chunk{FinishReason: FinishStop}
		if ev.Response != nil {
			r := ev.Response.toCanonical()
			c.FinishReason = r.FinishReason
			c.Usage = &r.Usage
		}
		return c, true, nil
	case "response.failed", "error":
		return Chunk{}, true, errors.New("upstream stream failed: " + string(ev.Error))
	}
	return Chunk{}, false, nil
}

type responsesStream struct {
	meta StreamMeta
	text strings.Builder
	seq  int
}

func (responsesCodec) newStream(meta StreamMeta) StreamEncoder {
	meta.Created = created(meta.Created)
	return &responsesStream{meta: meta}
}

func (s *responsesStream) event(name string, body map[string]any) []byte {
	body["type"] = name
	body["sequence_number"] = s.seq
	s.seq++
	return sse(name, body)
}

func (s *responsesStream) Start() []byte {
	obj := responsesObject(s.meta.ID, s.meta.Model, s.meta.Created, "in_progress", "", "", Usage{})
	obj["output"] = []any{}
	delete(obj, "usage")
	return s.event("response.created", map[string]any{"response": obj})
}

func (s *responsesStream) Chunk(c Chunk) []byte {
	if c.Content == "" {
		return nil
	}
	s.text.WriteString(c.Content)
	return s.event("response.output_text.delta", map[string]any{
		"item_id":       "msg_" + s.meta.ID,
		"output_index":  0,
		"content_index": 0,
		"delta":         c.Content,
	})
}

func (s *responsesStream) End(finish string, u Usage) []byte {
	status := responsesStatus(finish)
	name := "response.completed"
	if status == "incomplete" {
		name = "response.incomplete"
	}
	done := s.event("response.output_text.done", map[string]any{
		"item_id":       "msg_" + s.meta.ID,
		"output_index":  0,
		"content_index": 0,
		"text":          s.text.String(),
	})
	obj := responsesObject(s.meta.ID, s.meta.Model, s.meta.Created, status, s.text.String(), finish, u)
	return append(done, s.event(name, map[string]any{"response": obj})...)
}
