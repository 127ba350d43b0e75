package translator

import (
	"encoding/json"
	"errors"
	"strings"
)

type geminiCodec struct{}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFile struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
	FileData   *geminiFile `json:"fileData,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Model             string                  `json:"model,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

func geminiParts(parts []geminiPart) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Thought:
		case p.InlineData != nil:
			out = append(out, Part{Type: PartImage, MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
		case p.FileData != nil:
			out = append(out, Part{Type: PartImage, MIMEType: p.FileData.MIMEType, URL: p.FileData.FileURI})
		default:
			out = append(out, TextPart(p.Text))
		}
	}
	return out
}

// decodeRequest leaves Model empty unless the body carries one: Gemini puts
// the model and the stream flag in the URL, and the caller fills them in.
func (geminiCodec) decodeRequest(body []byte) (*Envelope, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if len(req.Contents) == 0 {
		return nil, errors.New("contents is required")
	}

	env := &Envelope{Model: strings.TrimPrefix(req.Model, "models/")}
	if gc := req.GenerationConfig; gc != nil {
		env.Params = Params{
			Temperature: gc.Temperature,
			TopP:        gc.TopP,
			MaxTokens:   gc.MaxOutputTokens,
			Stop:        gc.StopSequences,
		}
	}
	if si := req.SystemInstruction; si != nil {
		if parts := geminiParts(si.Parts); len(parts) > 0 {
			env.Messages = append(env.Messages, Message{Role: RoleSystem, Parts: parts})
		}
	}
	for _, c := range req.Contents {
		env.Messages = append(env.Messages, Message{Role: normalizeRole(c.Role), Parts: geminiParts(c.Parts)})
	}
	return env, nil
}

func toGeminiParts(m Message) []geminiPart {
	out := make([]geminiPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch {
		case p.Type == PartText:
			out = append(out, geminiPart{Text: p.Text})
		case p.Data != "":
			out = append(out, geminiPart{InlineData: &geminiBlob{MIMEType: p.MIMEType, Data: p.Data}})
		case p.URL != "":
			out = append(out, geminiPart{FileData: &geminiFile{MIMEType: p.MIMEType, FileURI: p.URL}})
		}
	}
	if len(out) == 0 {
		out = append(out, geminiPart{Text: ""})
	}
	return out
}

// GeminiRole maps a canonical role onto Gemini's user/model vocabulary.
func GeminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}

func (geminiCodec) encodeRequest(env *Envelope) ([]byte, error) {
	req := geminiRequest{}
	if sys := env.System(); sys != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}
	p := env.Params
	if p.Temperature != nil || p.TopP != nil || p.MaxTokens > 0 || len(p.Stop) > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.Temperature,
			TopP:            p.TopP,
			MaxOutputTokens: p.MaxTokens,
			StopSequences:   p.Stop,
		}
	}
	for _, m := range env.Conversation() {
		req.Contents = append(req.Contents, geminiContent{Role: GeminiRole(m.Role), Parts: toGeminiParts(m)})
	}
	return json.Marshal(req)
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	ResponseID string `json:"responseId,omitempty"`
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata,omitempty"`
	ModelVersion  string       `json:"modelVersion,omitempty"`
}

// FinishFromGemini maps a Gemini finishReason to the canonical vocabulary.
func FinishFromGemini(reason string) string {
	switch strings.ToUpper(reason) {
	case "":
		return ""
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func geminiFinish(finish string) string {
	switch finish {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

func (r *geminiResponse) chunk() Chunk {
	var c Chunk
	if len(r.Candidates) > 0 {
		cand := r.Candidates[0]
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if !p.Thought {
				b.WriteString(p.Text)
			}
		}
		c.Content = b.String()
		c.FinishReason = FinishFromGemini(cand.FinishReason)
	}
	if u := r.UsageMetadata; u != nil {
		c.Usage = &Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
	}
	return c
}

func (geminiCodec) decodeResponse(body []byte) (*Response, error) {
	var r geminiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	c := r.chunk()
	out := &Response{ID: r.ResponseID, Model: r.ModelVersion, Content: c.Content, FinishReason: c.FinishReason}
	if c.Usage != nil {
		out.Usage = *c.Usage
	}
	return out, nil
}

func geminiBody(id, model, text, finish string, usage *Usage) map[string]any {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
		"index":   0,
	}
	if finish != "" {
		cand["finishReason"] = geminiFinish(finish)
	}
	body := map[string]any{
		"candidates":   []any{cand},
		"modelVersion": model,
		"responseId":   id,
	}
	if usage != nil {
		body["usageMetadata"] = geminiUsage{
			PromptTokenCount:     usage.InputTokens,
			CandidatesTokenCount: usage.OutputTokens,
			TotalTokenCount:      usage.Total(),
		}
	}
	return body
}

func (geminiCodec) encodeResponse(r *Response) ([]byte, error) {
	u := r.Usage
	return json.Marshal(geminiBody(r.ID, r.Model, r.Content, finishOrStop(r.FinishReason), &u))
}

func (geminiCodec) decodeChunk(data []byte) (Chunk, bool, error) {
	var r geminiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return Chunk{}, false, err
	}
	return r.chunk(), false, nil
}

type geminiStream struct {
	meta StreamMeta
}

func (geminiCodec) newStream(meta StreamMeta) StreamEncoder {
	return &geminiStream{meta: meta}
}

func (s *geminiStream) Start() []byte { return nil }

func (s *geminiStream) Chunk(c Chunk) []byte {
	if c.Content == "" {
		return nil
	}
	return sse("", geminiBody(s.meta.ID, s.meta.Model, c.Content, "", nil))
}

func (s *geminiStream) End(finish string, u Usage) []byte {
	return sse("", geminiBody(s.meta.ID, s.meta.Model, "", finishOrStop(finish), &u))
}
