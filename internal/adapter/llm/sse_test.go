package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"agentcore/internal/domain"
)

func echoParser(data []byte) (*domain.StreamDelta, error) {
	var v struct {
		Text string `json:"text"`
		Done bool   `json:"done"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &domain.StreamDelta{Content: v.Text, Done: v.Done}, nil
}

func collect(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}

func TestParseSSEStream(t *testing.T) {
	raw := "data: {\"text\":\"hello\"}\n\ndata: {\"text\":\"world\"}\n\ndata: [DONE]\n\n"
	ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), echoParser)

	deltas := collect(ch)
	if len(deltas) != 3 {
		t.Fatalf("deltas = %d, want 3", len(deltas))
	}
	if deltas[0].Content != "hello" || deltas[1].Content != "world" {
		t.Errorf("contents = %q %q", deltas[0].Content, deltas[1].Content)
	}
	if !deltas[2].Done {
		t.Error("final delta should be Done")
	}
}

func TestParseSSEStreamNoSpaceAfterColon(t *testing.T) {
	raw := "data:{\"text\":\"tight\"}\n\ndata:[DONE]\n\n"
	ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), echoParser)

	deltas := collect(ch)
	if len(deltas) != 2 || deltas[0].Content != "tight" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestParseSSEStreamSkipsCommentsAndBlankLines(t *testing.T) {
	raw := ": keep-alive\n\nevent: message\ndata: {\"text\":\"ok\"}\n\ndata: [DONE]\n\n"
	ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), echoParser)

	deltas := collect(ch)
	if len(deltas) != 2 || deltas[0].Content != "ok" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestParseSSEStreamSkipsUnparseableLines(t *testing.T) {
	raw := "data: NOT JSON\ndata: {\"text\":\"good\"}\n\ndata: [DONE]\n\n"
	ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), echoParser)

	deltas := collect(ch)
	if len(deltas) != 2 || deltas[0].Content != "good" {
		t.Fatalf("deltas = %+v", deltas)
	}
}

func TestParseSSEStreamReadsPastDoneDelta(t *testing.T) {
	// Usage accounting can trail the finish marker; the parser must keep
	// reading until [DONE] and must not emit a second Done.
	raw := "data: {\"text\":\"x\",\"done\":true}\n\ndata: {\"text\":\"trailing\"}\n\ndata: [DONE]\n\n"
	ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(raw)), echoParser)

	deltas := collect(ch)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v, want done delta plus trailing", deltas)
	}
	if !deltas[0].Done || deltas[1].Content != "trailing" {
		t.Errorf("deltas = %+v", deltas)
	}
	doneCount := 0
	for _, d := range deltas {
		if d.Done {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Errorf("done deltas = %d, want 1", doneCount)
	}
}

func TestParseSSEStreamDroppedConnection(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"text\":\"partial\"}\n\n"))
		pw.CloseWithError(io.ErrUnexpectedEOF)
	}()

	ch := parseSSEStream(context.Background(), pr, echoParser)
	deltas := collect(ch)
	if len(deltas) != 2 {
		t.Fatalf("deltas = %+v, want content plus synthetic Done", deltas)
	}
	if !deltas[1].Done {
		t.Error("dropped connection should produce a final Done delta")
	}
}

func TestParseSSEStreamContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := pw.Write([]byte("data: {\"text\":\"x\"}\n\n")); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		pw.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	count := len(collect(parseSSEStream(ctx, pr, echoParser)))
	if count >= 100 {
		t.Fatalf("expected cancellation to stop the stream early, got %d deltas", count)
	}
	pr.Close()
}

func FuzzParseSSEStream(f *testing.F) {
	f.Add([]byte("data: {\"text\":\"hi\"}\n\ndata: [DONE]\n\n"))
	f.Add([]byte(": comment\ndata:[DONE]"))
	f.Add([]byte("data: {broken"))
	f.Add([]byte("\x00\xff\ndata: \n"))
	f.Fuzz(func(t *testing.T, raw []byte) {
		// Arbitrary bytes must terminate the stream without panicking.
		ch := parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(string(raw))), echoParser)
		collect(ch)

		// With a trailing [DONE] the stream always carries a Done delta.
		terminated := string(raw) + "\ndata: [DONE]\n"
		doneSeen := false
		for _, d := range collect(parseSSEStream(context.Background(), io.NopCloser(strings.NewReader(terminated)), echoParser)) {
			if d.Done {
				doneSeen = true
			}
		}
		if !doneSeen {
			t.Fatal("terminated stream carried no Done delta")
		}
	})
}
