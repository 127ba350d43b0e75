package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupported is returned for formats without a JSON codec.
var ErrUnsupported = errors.New("translator: unsupported format")

// codec converts one wire format to and from the canonical types.
type codec interface {
	decodeRequest(body []byte) (*Envelope, error)
	encodeRequest(env *Envelope) ([]byte, error)
	decodeResponse(body []byte) (*Response, error)
	encodeResponse(r *Response) ([]byte, error)
	decodeChunk(data []byte) (c Chunk, done bool, err error)
	newStream(meta StreamMeta) StreamEncoder
}

var codecs = map[Format]codec{
	OpenAI:    openaiCodec{},
	Responses: responsesCodec{},
	Claude:    claudeCodec{},
	Gemini:    geminiCodec{},
	Ollama:    ollamaCodec{},
}

func codecFor(f Format) (codec, error) {
	c, ok := codecs[f]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, f)
	}
	return c, nil
}

// ToCanonical parses body as format f.
func ToCanonical(body []byte, f Format) (*Envelope, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	env, err := c.decodeRequest(body)
	if err != nil {
		return nil, fmt.Errorf("translator: decode %s request: %w", f, err)
	}
	env.Source = f
	return env, nil
}

// FromCanonical renders env as a format f request body.
func FromCanonical(env *Envelope, f Format) ([]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.encodeRequest(env)
}

// DecodeResponse parses a buffered upstream response in format f.
func DecodeResponse(f Format, body []byte) (*Response, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	r, err := c.decodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("translator: decode %s response: %w", f, err)
	}
	return r, nil
}

// EncodeResponse renders r as a buffered format f response body.
func EncodeResponse(f Format, r *Response) ([]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.encodeResponse(r)
}

// DecodeStreamEvent parses one upstream stream event payload in format f:
// the data of an SSE event, or one NDJSON line for Ollama. done reports the
// end of the stream.
func DecodeStreamEvent(f Format, data []byte) (Chunk, bool, error) {
	c, err := codecFor(f)
	if err != nil {
		return Chunk{}, false, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Chunk{}, false, nil
	}
	return c.decodeChunk(data)
}

// textOrParts decodes message content given either as a plain string or as
// an array of typed blocks. conv turns one raw block into a part; it may
// return ok=false to skip blocks the format cannot map.
func textOrParts(raw json.RawMessage, conv func(json.RawMessage) (Part, bool)) ([]Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []Part{TextPart(s)}, nil
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array: %w", err)
	}
	parts := make([]Part, 0, len(blocks))
	for _, b := range blocks {
		if p, ok := conv(b); ok {
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// stringList decodes a value that is either one string or a list of them.
func stringList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var out []string
	err := json.Unmarshal(raw, &out)
	return out, err
}
