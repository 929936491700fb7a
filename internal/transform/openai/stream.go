package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/sse"
)

// TransformStream parses chat-completions SSE into unified chunks. The
// channel is closed after a Done or Err chunk.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) <-chan plexus.StreamChunk {
	ch := make(chan plexus.StreamChunk, 8)
	go readStream(ctx, body, ch)
	return ch
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk) {
	defer close(ch)
	defer body.Close()

	scanner := sse.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sse.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			emit(ctx, ch, plexus.StreamChunk{Done: true})
			return
		}
		for _, c := range parseChunk(data) {
			if !emit(ctx, ch, c) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, plexus.StreamChunk{Err: fmt.Errorf("openai: read stream: %w", err)})
		return
	}
	// Stream ended without [DONE]; still signal completion.
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

// parseChunk converts one chat.completion.chunk JSON into unified chunks.
func parseChunk(data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	base := plexus.StreamChunk{
		ID:    r.Get("id").Str,
		Model: r.Get("model").Str,
	}

	var out []plexus.StreamChunk
	delta := r.Get("choices.0.delta")

	c := base
	c.Role = delta.Get("role").Str
	c.ContentDelta = delta.Get("content").Str
	c.ReasoningDelta = delta.Get("reasoning_content").Str
	c.FinishReason = r.Get("choices.0.finish_reason").Str
	if u := r.Get("usage"); u.Exists() && u.Type != gjson.Null {
		// Usage values are cumulative totals; set, never add.
		c.Usage = &plexus.Usage{
			InputTokens:     int(u.Get("prompt_tokens").Int()),
			OutputTokens:    int(u.Get("completion_tokens").Int()),
			CachedTokens:    int(u.Get("prompt_tokens_details.cached_tokens").Int()),
			ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		}
	}
	if c.Role != "" || c.ContentDelta != "" || c.ReasoningDelta != "" || c.FinishReason != "" || c.Usage != nil {
		out = append(out, c)
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		tcc := base
		tcc.ToolCall = &plexus.ToolCallDelta{
			Index:          int(tc.Get("index").Int()),
			ID:             tc.Get("id").Str,
			Name:           tc.Get("function.name").Str,
			ArgumentsDelta: tc.Get("function.arguments").Str,
		}
		out = append(out, tcc)
		return true
	})
	return out
}

// formatter emits chat.completion.chunk SSE frames from unified chunks.
type formatter struct {
	id      string
	model   string
	created int64
	usage   *plexus.Usage
	done    bool
}

// NewStreamFormatter returns a chat dialect stream formatter.
func (t *Transformer) NewStreamFormatter(req *plexus.Request) plexus.StreamFormatter {
	return &formatter{model: req.Model, created: time.Now().Unix()}
}

// Format converts one unified chunk into zero or more complete SSE frames.
func (f *formatter) Format(c plexus.StreamChunk) ([][]byte, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if c.ID != "" {
		f.id = c.ID
	}
	if c.Model != "" {
		f.model = c.Model
	}
	if c.Usage != nil {
		f.usage = c.Usage
	}
	if c.Done {
		f.done = true
		return nil, nil
	}

	delta := map[string]any{}
	if c.Role != "" {
		delta["role"] = c.Role
	}
	if c.ContentDelta != "" {
		delta["content"] = c.ContentDelta
	}
	if c.ReasoningDelta != "" {
		delta["reasoning_content"] = c.ReasoningDelta
	}
	if c.ToolCall != nil {
		fn := map[string]any{"arguments": c.ToolCall.ArgumentsDelta}
		if c.ToolCall.Name != "" {
			fn["name"] = c.ToolCall.Name
		}
		tc := map[string]any{"index": c.ToolCall.Index, "function": fn}
		if c.ToolCall.ID != "" {
			tc["id"] = c.ToolCall.ID
			tc["type"] = "function"
		}
		delta["tool_calls"] = []map[string]any{tc}
	}
	if len(delta) == 0 && c.FinishReason == "" {
		return nil, nil
	}

	frame := map[string]any{
		"id":      respID(f.id),
		"object":  "chat.completion.chunk",
		"created": f.created,
		"model":   f.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(c.FinishReason),
		}},
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{sse.DataFrame(b)}, nil
}

// Flush emits the trailing usage frame and the [DONE] terminator.
func (f *formatter) Flush() [][]byte {
	var frames [][]byte
	if f.usage != nil {
		frame := map[string]any{
			"id":      respID(f.id),
			"object":  "chat.completion.chunk",
			"created": f.created,
			"model":   f.model,
			"choices": []map[string]any{},
			"usage":   formatUsage(*f.usage),
		}
		if b, err := json.Marshal(frame); err == nil {
			frames = append(frames, sse.DataFrame(b))
		}
	}
	return append(frames, sse.DoneFrame())
}
