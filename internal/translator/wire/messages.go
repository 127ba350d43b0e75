package wire

import (
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nulpointcorp/routegate/internal/translator"
)

// Field numbers of ChatRequest.
const (
	reqModel       protowire.Number = 1
	reqMessages    protowire.Number = 2
	reqStream      protowire.Number = 3
	reqTemperature protowire.Number = 4
	reqTopP        protowire.Number = 5
	reqMaxTokens   protowire.Number = 6
	reqStop        protowire.Number = 7
)

// Field numbers of Message.
const (
	msgRole    protowire.Number = 1
	msgContent protowire.Number = 2
)

// Field numbers of ChatResponse.
const (
	respID           protowire.Number = 1
	respModel        protowire.Number = 2
	respContent      protowire.Number = 3
	respFinishReason protowire.Number = 4
	respUsage        protowire.Number = 5
)

// Field numbers of Usage.
const (
	usageInput  protowire.Number = 1
	usageOutput protowire.Number = 2
)

// ResponseFrame is one decoded ChatResponse message. Streams send one per
// delta; the last carries FinishReason and Usage.
type ResponseFrame struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        *translator.Usage
}

// EncodeRequest serializes env as a ChatRequest. Images are not part of the
// schema and are dropped.
func EncodeRequest(env *translator.Envelope) []byte {
	var b []byte
	b = appendString(b, reqModel, env.Model)
	for _, m := range env.Messages {
		var mb []byte
		mb = appendString(mb, msgRole, string(m.Role))
		mb = appendString(mb, msgContent, m.Text())
		b = protowire.AppendTag(b, reqMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if env.Stream {
		b = protowire.AppendTag(b, reqStream, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if t := env.Params.Temperature; t != nil {
		b = appendDouble(b, reqTemperature, *t)
	}
	if p := env.Params.TopP; p != nil {
		b = appendDouble(b, reqTopP, *p)
	}
	if env.Params.MaxTokens > 0 {
		b = protowire.AppendTag(b, reqMaxTokens, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.Params.MaxTokens))
	}
	for _, s := range env.Params.Stop {
		b = appendString(b, reqStop, s)
	}
	return b
}

// EncodeResponse serializes one ChatResponse.
func EncodeResponse(f ResponseFrame) []byte {
	var b []byte
	b = appendString(b, respID, f.ID)
	b = appendString(b, respModel, f.Model)
	b = appendString(b, respContent, f.Content)
	b = appendString(b, respFinishReason, f.FinishReason)
	if f.Usage != nil {
		var ub []byte
		ub = protowire.AppendTag(ub, usageInput, protowire.VarintType)
		ub = protowire.AppendVarint(ub, uint64(f.Usage.InputTokens))
		ub = protowire.AppendTag(ub, usageOutput, protowire.VarintType)
		ub = protowire.AppendVarint(ub, uint64(f.Usage.OutputTokens))
		b = protowire.AppendTag(b, respUsage, protowire.BytesType)
		b = protowire.AppendBytes(b, ub)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// Decoder parses protobuf messages. Unknown fields are logged and skipped
// so newer upstreams keep working.
type Decoder struct {
	Logger *slog.Logger
}

func (d Decoder) unknown(msg string, num protowire.Number, typ protowire.Type) {
	if d.Logger != nil {
		d.Logger.Warn("wire_unknown_field",
			slog.String("message", msg),
			slog.Int("field", int(num)),
			slog.Int("wire_type", int(typ)),
		)
	}
}

// fields walks b calling fn for every field. fn returns the number of bytes
// it consumed, or 0 to have the field skipped as unknown.
func (d Decoder) fields(msg string, b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: %s: %w", msg, protowire.ParseError(n))
		}
		b = b[n:]

		used := fn(num, typ, b)
		if used < 0 {
			return fmt.Errorf("wire: %s field %d: %w", msg, num, protowire.ParseError(used))
		}
		if used == 0 {
			d.unknown(msg, num, typ)
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return fmt.Errorf("wire: %s field %d: %w", msg, num, protowire.ParseError(used))
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeDouble(typ protowire.Type, b []byte, dst **float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		f := math.Float64frombits(v)
		*dst = &f
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// DecodeRequest parses a ChatRequest into an envelope.
func (d Decoder) DecodeRequest(b []byte) (*translator.Envelope, error) {
	env := &translator.Envelope{Source: translator.Connect}
	var innerErr error
	err := d.fields("ChatRequest", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case reqModel:
			return consumeString(typ, b, &env.Model)
		case reqMessages:
			var raw []byte
			n := consumeBytes(typ, b, &raw)
			if n > 0 {
				m, err := d.decodeMessage(raw)
				if err != nil {
					innerErr = err
				}
				env.Messages = append(env.Messages, m)
			}
			return n
		case reqStream:
			var v uint64
			n := consumeVarint(typ, b, &v)
			env.Stream = v != 0
			return n
		case reqTemperature:
			return consumeDouble(typ, b, &env.Params.Temperature)
		case reqTopP:
			return consumeDouble(typ, b, &env.Params.TopP)
		case reqMaxTokens:
			var v uint64
			n := consumeVarint(typ, b, &v)
			env.Params.MaxTokens = int(v)
			return n
		case reqStop:
			var s string
			n := consumeString(typ, b, &s)
			if n > 0 {
				env.Params.Stop = append(env.Params.Stop, s)
			}
			return n
		}
		return 0
	})
	if err == nil {
		err = innerErr
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (d Decoder) decodeMessage(b []byte) (translator.Message, error) {
	var role, content string
	err := d.fields("Message", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case msgRole:
			return consumeString(typ, b, &role)
		case msgContent:
			return consumeString(typ, b, &content)
		}
		return 0
	})
	m := translator.Message{
		Role:  translator.Role(role),
		Parts: []translator.Part{translator.TextPart(content)},
	}
	return m, err
}

// DecodeResponse parses one ChatResponse.
func (d Decoder) DecodeResponse(b []byte) (ResponseFrame, error) {
	var f ResponseFrame
	var innerErr error
	err := d.fields("ChatResponse", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case respID:
			return consumeString(typ, b, &f.ID)
		case respModel:
			return consumeString(typ, b, &f.Model)
		case respContent:
			return consumeString(typ, b, &f.Content)
		case respFinishReason:
			return consumeString(typ, b, &f.FinishReason)
		case respUsage:
			var raw []byte
			n := consumeBytes(typ, b, &raw)
			if n >= 0 && typ == protowire.BytesType {
				u, err := d.decodeUsage(raw)
				if err != nil {
					innerErr = err
				}
				f.Usage = &u
			}
			return n
		}
		return 0
	})
	if err == nil {
		err = innerErr
	}
	return f, err
}

func (d Decoder) decodeUsage(b []byte) (translator.Usage, error) {
	var in, out uint64
	err := d.fields("Usage", b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case usageInput:
			return consumeVarint(typ, b, &in)
		case usageOutput:
			return consumeVarint(typ, b, &out)
		}
		return 0
	})
	return translator.Usage{InputTokens: int(in), OutputTokens: int(out)}, err
}
