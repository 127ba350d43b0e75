package translator

import (
	"encoding/json"
	"errors"
	"time"
)

type ollamaCodec struct{}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   *bool           `json:"stream,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// Ollama streams unless the request says otherwise.
func (ollamaCodec) decodeRequest(body []byte) (*Envelope, error) {
	var req ollamaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages is required")
	}

	env := &Envelope{Model: req.Model, Stream: req.Stream == nil || *req.Stream}
	if o := req.Options; o != nil {
		env.Params = Params{Temperature: o.Temperature, TopP: o.TopP, MaxTokens: o.NumPredict, Stop: o.Stop}
	}
	for _, m := range req.Messages {
		msg := Message{Role: normalizeRole(m.Role)}
		if m.Content != "" || len(m.Images) == 0 {
			msg.Parts = append(msg.Parts, TextPart(m.Content))
		}
		for _, img := range m.Images {
			msg.Parts = append(msg.Parts, Part{Type: PartImage, MIMEType: "image/png", Data: img})
		}
		env.Messages = append(env.Messages, msg)
	}
	return env, nil
}

func (ollamaCodec) encodeRequest(env *Envelope) ([]byte, error) {
	stream := env.Stream
	req := ollamaRequest{Model: env.Model, Stream: &stream}
	p := env.Params
	if p.Temperature != nil || p.TopP != nil || p.MaxTokens > 0 || len(p.Stop) > 0 {
		req.Options = &ollamaOptions{Temperature: p.Temperature, TopP: p.TopP, NumPredict: p.MaxTokens, Stop: p.Stop}
	}
	for _, m := range env.Messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Text()}
		for _, part := range m.Parts {
			// Ollama only accepts inline base64 images.
			if part.Type == PartImage && part.Data != "" {
				om.Images = append(om.Images, part.Data)
			}
		}
		req.Messages = append(req.Messages, om)
	}
	return json.Marshal(req)
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func finishFromOllama(r string) string {
	if r == "length" {
		return FinishLength
	}
	return FinishStop
}

func (ollamaCodec) decodeResponse(body []byte) (*Response, error) {
	var r ollamaResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	out := &Response{
		Model:        r.Model,
		Content:      r.Message.Content,
		FinishReason: finishFromOllama(r.DoneReason),
		Usage:        Usage{InputTokens: r.PromptEvalCount, OutputTokens: r.EvalCount},
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		out.Created = ts.Unix()
	}
	return out, nil
}

func ollamaCreatedAt(unix int64) string {
	return time.Unix(created(unix), 0).UTC().Format(time.RFC3339Nano)
}

func ollamaDoneReason(finish string) string {
	if finish == FinishLength {
		return "length"
	}
	return "stop"
}

func (ollamaCodec) encodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(ollamaResponse{
		Model:           r.Model,
		CreatedAt:       ollamaCreatedAt(r.Created),
		Message:         ollamaMessage{Role: "assistant", Content: r.Content},
		Done:            true,
		DoneReason:      ollamaDoneReason(r.FinishReason),
		PromptEvalCount: r.Usage.InputTokens,
		EvalCount:       r.Usage.OutputTokens,
	})
}

func (ollamaCodec) decodeChunk(data []byte) (Chunk, bool, error) {
	var r ollamaResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return Chunk{}, false, err
	}
	if r.Error != "" {
		return Chunk{}, true, errors.New(r.Error)
	}
	c := Chunk{Content: r.Message.Content}
	if r.Done {
		c.FinishReason = finishFromOllama(r.DoneReason)
		c.Usage = &Usage{InputTokens: r.PromptEvalCount, OutputTokens: r.EvalCount}
	}
	return c, r.Done, nil
}

type ollamaStream struct {
	meta StreamMeta
}

func (ollamaCodec) newStream(meta StreamMeta) StreamEncoder {
	return &ollamaStream{meta: meta}
}

func (s *ollamaStream) Start() []byte { return nil }

func (s *ollamaStream) Chunk(c Chunk) []byte {
	if c.Content == "" {
		return nil
	}
	return ndjson(ollamaResponse{
		Model:     s.meta.Model,
		CreatedAt: ollamaCreatedAt(0),
		Message:   ollamaMessage{Role: "assistant", Content: c.Content},
	})
}

func (s *ollamaStream) End(finish string, u Usage) []byte {
	return ndjson(ollamaResponse{
		Model:           s.meta.Model,
		CreatedAt:       ollamaCreatedAt(0),
		Message:         ollamaMessage{Role: "assistant"},
		Done:            true,
		DoneReason:      ollamaDoneReason(finish),
		PromptEvalCount: u.InputTokens,
		EvalCount:       u.OutputTokens,
	})
}
