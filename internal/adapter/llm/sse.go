package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"agentcore/internal/domain"
)

// sseScanBuffer sizes the line scanner. A single data line can carry an
// entire tool-call argument fragment, so the default 64KB token limit is
// not enough.
const sseScanBuffer = 1024 * 1024

// parseSSEStream reads server-sent events from body and converts each data
// payload into a StreamDelta via parseData. Reading continues past a Done
// delta because usage accounting can trail the finish marker; the stream
// terminates on the [DONE] sentinel, EOF, or ctx cancellation, and exactly
// one Done delta is guaranteed on clean termination. Unparseable lines are
// skipped rather than terminating the stream.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseData func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), sseScanBuffer)

		sentDone := false
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimLeft(data, " ")

			if bytes.Equal(data, []byte("[DONE]")) {
				if !sentDone {
					select {
					case ch <- domain.StreamDelta{Done: true}:
					case <-ctx.Done():
					}
				}
				return
			}

			delta, err := parseData(data)
			if err != nil || delta == nil {
				continue
			}
			if delta.Done {
				sentDone = true
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
		}

		// A scanner error means the connection dropped mid-stream. Emit a
		// final Done so consumers are not left waiting on a terminal marker.
		if scanner.Err() != nil && !sentDone {
			select {
			case ch <- domain.StreamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
