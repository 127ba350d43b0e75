// Package wire implements the binary upstream protocol used by "connect"
// providers: Connect streaming envelopes carrying protobuf messages.
//
// Every frame is a one-byte flag field, a four-byte big-endian payload
// length and the payload. Data frames carry protobuf; the end-of-stream
// frame carries a JSON trailer that may hold an error.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	FlagData      byte = 0x00
	FlagEndStream byte = 0x02

	headerLen = 5

	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 16 << 20

	ContentType = "application/connect+proto"
)

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes one envelope.
func WriteFrame(w io.Writer, flags byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [headerLen]byte
	hdr[0] = flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// AppendFrame appends one envelope to dst.
func AppendFrame(dst []byte, flags byte, payload []byte) []byte {
	dst = append(dst, flags, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(dst[len(dst)-4:], uint32(len(payload)))
	return append(dst, payload...)
}

// ReadFrame reads one envelope. It returns io.EOF only when r is exhausted
// on a frame boundary.
func ReadFrame(r io.Reader) (flags byte, payload []byte, err error) {
	var hdr [headerLen]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("wire: truncated frame header: %w", err)
		}
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: truncated frame payload: %w", err)
	}
	return hdr[0], payload, nil
}

// EndStreamError is the error carried by an end-of-stream trailer.
type EndStreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EndStreamError) Error() string {
	return fmt.Sprintf("wire: upstream %s: %s", e.Code, e.Message)
}

// HTTPStatus maps Connect error codes to HTTP statuses.
func (e *EndStreamError) HTTPStatus() int {
	switch e.Code {
	case "invalid_argument", "failed_precondition", "out_of_range":
		return 400
	case "unauthenticated":
		return 401
	case "permission_denied":
		return 403
	case "not_found":
		return 404
	case "resource_exhausted":
		return 429
	case "unavailable":
		return 503
	case "deadline_exceeded":
		return 504
	default:
		return 500
	}
}

// ParseEndStream decodes an end-of-stream payload. A trailer without an
// error yields nil.
func ParseEndStream(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var t struct {
		Error *EndStreamError `json:"error"`
	}
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("wire: bad end-of-stream trailer: %w", err)
	}
	if t.Error != nil {
		return t.Error
	}
	return nil
}

// EndStream builds an end-of-stream payload, with err when non-nil.
func EndStream(err *EndStreamError) []byte {
	if err == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(map[string]any{"error": err})
	return b
}
