package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"convergio/internal/domain"
)

// sseDone is the sentinel OpenAI-compatible backends send to end a stream.
var sseDone = []byte("[DONE]")

// maxSSELineSize caps one event line; large tool-call argument deltas can
// exceed bufio.Scanner's default token size.
const maxSSELineSize = 1 << 20

// parseSSEStream decodes "data:" lines from body into StreamDeltas via the
// provider-specific parseLine. The returned channel closes when the stream
// ends, the body closes, or ctx is cancelled. Unparseable lines are skipped
// rather than aborting the stream.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			data, ok := sseData(scanner.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(data, sseDone) {
				ch <- domain.StreamDelta{Done: true}
				return
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
			if delta.Done {
				return
			}
		}
		// A transport error mid-stream still ends the consumer's range loop
		// with an explicit Done.
		if scanner.Err() != nil {
			select {
			case ch <- domain.StreamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// sseData extracts the payload of a data line, with or without the optional
// space after the field name. Blank lines, comments, and other fields
// (event:, id:) carry nothing the delta parsers need.
func sseData(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimPrefix(rest, []byte(" ")), true
}
