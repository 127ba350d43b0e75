package translator

import (
	"bytes"
	"encoding/json"
)

// StreamMeta identifies the response a stream belongs to.
type StreamMeta struct {
	ID      string
	Model   string
	Created int64
}

// StreamEncoder renders canonical deltas as client-format stream frames.
// Start is written once before the first chunk, End once after the last.
type StreamEncoder interface {
	Start() []byte
	Chunk(c Chunk) []byte
	End(finishReason string, usage Usage) []byte
}

// NewStreamEncoder returns the encoder for clients speaking f.
func NewStreamEncoder(f Format, meta StreamMeta) (StreamEncoder, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	return c.newStream(meta), nil
}

// sse frames v as a server-sent event. An empty name emits a data-only event.
func sse(name string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var b bytes.Buffer
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// ndjson frames v as one newline-terminated JSON line.
func ndjson(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return append(data, '\n')
}
