package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/sse"
)

// TransformStream parses streamGenerateContent SSE into unified chunks.
// This dialect has no explicit terminator; EOF ends the stream.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) <-chan plexus.StreamChunk {
	ch := make(chan plexus.StreamChunk, 8)
	go readStream(ctx, body, ch)
	return ch
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk) {
	defer close(ch)
	defer body.Close()

	first := true
	toolIndex := -1
	scanner := sse.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sse.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		for _, c := range parseChunk(data, first, &toolIndex) {
			first = false
			if !emit(ctx, ch, c) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, plexus.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)})
		return
	}
	emit(ctx, ch, plexus.StreamChunk{Done: true})
}

func emit(ctx context.Context, ch chan<- plexus.StreamChunk, c plexus.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseChunk converts one streamed generateContent JSON into unified chunks.
func parseChunk(data string, first bool, toolIndex *int) []plexus.StreamChunk {
	r := gjson.Parse(data)
	base := plexus.StreamChunk{Model: r.Get("modelVersion").Str}
	if r.Get("error").Exists() {
		return []plexus.StreamChunk{{Err: fmt.Errorf("gemini: stream error: %s", r.Get("error.message").Str)}}
	}

	var out []plexus.StreamChunk
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		c := base
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			*toolIndex++
			args := fc.Get("args").Raw
			c.ToolCall = &plexus.ToolCallDelta{
				Index:          *toolIndex,
				ID:             fc.Get("name").Str,
				Name:           fc.Get("name").Str,
				ArgumentsDelta: args,
			}
		case p.Get("thought").Bool():
			c.ReasoningDelta = p.Get("text").Str
		default:
			c.ContentDelta = p.Get("text").Str
		}
		out = append(out, c)
		return true
	})

	tail := base
	tail.FinishReason = finishFromGemini(r.Get("candidates.0.finishReason").Str)
	if u := r.Get("usageMetadata"); u.Exists() {
		// Cumulative totals; set, never add.
		tail.Usage = &plexus.Usage{
			InputTokens:     int(u.Get("promptTokenCount").Int()),
			OutputTokens:    int(u.Get("candidatesTokenCount").Int()),
			CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
			ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
		}
	}
	if tail.FinishReason != "" || tail.Usage != nil {
		out = append(out, tail)
	}

	if first && len(out) > 0 {
		out[0].Role = "assistant"
	}
	return out
}

// formatter emits generateContent SSE data frames from unified chunks.
type formatter struct {
	model string
	usage plexus.Usage
}

// NewStreamFormatter returns a gemini dialect stream formatter.
func (t *Transformer) NewStreamFormatter(req *plexus.Request) plexus.StreamFormatter {
	return &formatter{model: req.Model}
}

// Format converts one unified chunk into zero or more complete SSE frames.
func (f *formatter) Format(c plexus.StreamChunk) ([][]byte, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Model != "" {
		f.model = c.Model
	}
	if c.Usage != nil {
		f.usage = *c.Usage
	}
	if c.Done {
		return nil, nil
	}

	var parts []geminiPart
	if c.ReasoningDelta != "" {
		parts = append(parts, geminiPart{Text: c.ReasoningDelta, Thought: true})
	}
	if c.ContentDelta != "" {
		parts = append(parts, geminiPart{Text: c.ContentDelta})
	}
	if c.ToolCall != nil && (c.ToolCall.Name != "" || c.ToolCall.ArgumentsDelta != "") {
		args := c.ToolCall.ArgumentsDelta
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		fc, _ := json.Marshal(map[string]any{
			"name": c.ToolCall.Name,
			"args": json.RawMessage(args),
		})
		parts = append(parts, geminiPart{FunctionCall: fc})
	}
	if len(parts) == 0 && c.FinishReason == "" {
		return nil, nil
	}
	if parts == nil {
		parts = []geminiPart{}
	}

	candidate := map[string]any{
		"content": geminiContent{Role: "model", Parts: parts},
		"index":   0,
	}
	if c.FinishReason != "" {
		candidate["finishReason"] = geminiFromFinish(c.FinishReason)
	}
	frame := map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": f.model,
	}
	if c.Usage != nil {
		frame["usageMetadata"] = map[string]any{
			"promptTokenCount":     c.Usage.InputTokens,
			"candidatesTokenCount": c.Usage.OutputTokens,
			"totalTokenCount":      c.Usage.InputTokens + c.Usage.OutputTokens,
			"thoughtsTokenCount":   c.Usage.ReasoningTokens,
		}
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{sse.DataFrame(b)}, nil
}

// Flush returns nothing; this dialect terminates by closing the connection.
func (f *formatter) Flush() [][]byte { return nil }
