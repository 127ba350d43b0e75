package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/nulpointcorp/routegate/internal/translator"
)

const maxLineSize = 1 << 20

// PumpStream decodes an upstream streaming body in format f onto a channel.
// SSE "data:" lines and bare NDJSON lines are both accepted. The body is
// closed when the stream ends, fails, or ctx is cancelled.
func PumpStream(ctx context.Context, body io.ReadCloser, f translator.Format) <-chan StreamChunk {
	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer body.Close()

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 || line[0] == ':' || bytes.HasPrefix(line, []byte("event:")) {
				continue
			}
			if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				line = bytes.TrimSpace(rest)
			}

			chunk, done, err := translator.DecodeStreamEvent(f, line)
			if err != nil {
				send(StreamChunk{Err: fmt.Errorf("%s stream: %w", f, err)})
				return
			}
			if chunk.Content != "" || chunk.FinishReason != "" || chunk.Usage != nil {
				if !send(StreamChunk{Content: chunk.Content, FinishReason: chunk.FinishReason, Usage: chunk.Usage}) {
					return
				}
			}
			if done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			send(StreamChunk{Err: fmt.Errorf("%s stream: %w", f, err)})
		}
	}()

	return ch
}
