package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/sse"
)

// streamState tracks the provider-side event state machine.
type streamState struct {
	id          string
	model       string
	usage       plexus.Usage
	stopReason  string
	blockIsTool map[int]bool // content block index -> tool_use
	toolIndex   int          // running unified tool index
}

// TransformStream parses messages SSE into unified chunks. The channel is
// closed after a Done or Err chunk.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser) <-chan plexus.StreamChunk {
	ch := make(chan plexus.StreamChunk, 8)
	go readStream(ctx, body, ch)
	return ch
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := streamState{blockIsTool: map[int]bool{}, toolIndex: -1}
	scanner := sse.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sse.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			if event == "message_stop" {
				emit(ctx, ch, plexus.StreamChunk{ID: state.id, Model: state.model, Done: true})
				return
			}
			continue
		}
		if data == "" {
			continue
		}
		for _, c := range state.handleEvent(currentEvent, data) {
			if !emit(ctx, ch, c) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, ch, plexus.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}
	emit(ctx, ch, plexus.StreamChunk{ID: state.id, Model: state.model, Done: true})
}

func emit(ctx context.Context, ch chan<- plexus.StreamChunk, c plexus.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *streamState) handleEvent(event, data string) []plexus.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_start":
		return s.onContentBlockStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "error":
		r := gjson.Parse(data)
		return []plexus.StreamChunk{{Err: fmt.Errorf("anthropic: stream error: %s", r.Get("error.message").Str)}}
	default:
		// ping, content_block_stop
		return nil
	}
}

func (s *streamState) onMessageStart(data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	s.id = r.Get("message.id").Str
	s.model = r.Get("message.model").Str
	s.usage.InputTokens = int(r.Get("message.usage.input_tokens").Int())
	s.usage.CachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())
	u := s.usage
	return []plexus.StreamChunk{{ID: s.id, Model: s.model, Role: "assistant", Usage: &u}}
}

func (s *streamState) onContentBlockStart(data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	if r.Get("content_block.type").Str != "tool_use" {
		return nil
	}
	idx := int(r.Get("index").Int())
	s.blockIsTool[idx] = true
	s.toolIndex++
	return []plexus.StreamChunk{{
		ID:    s.id,
		Model: s.model,
		ToolCall: &plexus.ToolCallDelta{
			Index: s.toolIndex,
			ID:    r.Get("content_block.id").Str,
			Name:  r.Get("content_block.name").Str,
		},
	}}
}

func (s *streamState) onContentBlockDelta(data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	base := plexus.StreamChunk{ID: s.id, Model: s.model}

	switch r.Get("delta.type").Str {
	case "text_delta":
		base.ContentDelta = r.Get("delta.text").Str
	case "thinking_delta":
		base.ReasoningDelta = r.Get("delta.thinking").Str
	case "signature_delta":
		base.ReasoningSignature = r.Get("delta.signature").Str
	case "input_json_delta":
		base.ToolCall = &plexus.ToolCallDelta{
			Index:          s.toolIndex,
			ArgumentsDelta: r.Get("delta.partial_json").Str,
		}
	default:
		return nil
	}
	return []plexus.StreamChunk{base}
}

func (s *streamState) onMessageDelta(data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	if sr := r.Get("delta.stop_reason").Str; sr != "" {
		s.stopReason = sr
	}
	// output_tokens here is a cumulative total; set, never add.
	if out := r.Get("usage.output_tokens"); out.Exists() {
		s.usage.OutputTokens = int(out.Int())
	}
	if th := r.Get("usage.thinking_tokens"); th.Exists() {
		s.usage.ReasoningTokens = int(th.Int())
	}
	u := s.usage
	return []plexus.StreamChunk{{
		ID:           s.id,
		Model:        s.model,
		FinishReason: finishFromStopReason(s.stopReason),
		Usage:        &u,
	}}
}

// blockKind identifies the currently open client-side content block.
type blockKind int

const (
	blockNone blockKind = iota
	blockThinking
	blockText
	blockTool
)

// formatter emits messages-dialect SSE frames from unified chunks.
type formatter struct {
	model      string
	id         string
	started    bool
	block      blockKind
	blockIndex int
	toolIndex  int // unified tool index of the open tool block
	stopReason any
	usage      plexus.Usage
	finished   bool
}

// NewStreamFormatter returns a messages dialect stream formatter.
func (t *Transformer) NewStreamFormatter(req *plexus.Request) plexus.StreamFormatter {
	return &formatter{model: req.Model, blockIndex: -1, toolIndex: -1}
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
		f.usage = *c.Usage
	}
	if c.FinishReason != "" {
		f.stopReason = stopReasonFromFinish(c.FinishReason)
	}
	if c.Done {
		return nil, nil
	}

	var frames [][]byte
	if !f.started {
		f.started = true
		frames = append(frames, eventFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            msgID(f.id),
				"type":          "message",
				"role":          "assistant",
				"model":         f.model,
				"content":       []any{},
				"stop_reason":   nil,
				"usage":         map[string]any{"input_tokens": f.usage.InputTokens, "output_tokens": 0},
			},
		}))
	}

	if c.ReasoningDelta != "" {
		frames = append(frames, f.ensureBlock(blockThinking, nil)...)
		frames = append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": f.blockIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": c.ReasoningDelta},
		}))
	}
	if c.ReasoningSignature != "" {
		frames = append(frames, f.ensureBlock(blockThinking, nil)...)
		frames = append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": f.blockIndex,
			"delta": map[string]any{"type": "signature_delta", "signature": c.ReasoningSignature},
		}))
	}
	if c.ContentDelta != "" {
		frames = append(frames, f.ensureBlock(blockText, nil)...)
		frames = append(frames, eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": f.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": c.ContentDelta},
		}))
	}
	if c.ToolCall != nil {
		if f.block != blockTool || f.toolIndex != c.ToolCall.Index {
			frames = append(frames, f.ensureBlock(blockTool, c.ToolCall)...)
			f.toolIndex = c.ToolCall.Index
		}
		if c.ToolCall.ArgumentsDelta != "" {
			frames = append(frames, eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": f.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": c.ToolCall.ArgumentsDelta},
			}))
		}
	}
	return frames, nil
}

// ensureBlock closes the open block and starts a new one when the kind
// changes. For tool blocks the start frame carries the tool id and name.
func (f *formatter) ensureBlock(kind blockKind, tc *plexus.ToolCallDelta) [][]byte {
	if f.block == kind && kind != blockTool {
		return nil
	}
	var frames [][]byte
	frames = append(frames, f.closeBlock()...)
	f.block = kind
	f.blockIndex++

	blk := map[string]any{}
	switch kind {
	case blockThinking:
		blk["type"] = "thinking"
		blk["thinking"] = ""
	case blockText:
		blk["type"] = "text"
		blk["text"] = ""
	case blockTool:
		blk["type"] = "tool_use"
		blk["input"] = map[string]any{}
		if tc != nil {
			blk["id"] = tc.ID
			blk["name"] = tc.Name
		}
	}
	frames = append(frames, eventFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         f.blockIndex,
		"content_block": blk,
	}))
	return frames
}

func (f *formatter) closeBlock() [][]byte {
	if f.block == blockNone {
		return nil
	}
	frame := eventFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": f.blockIndex,
	})
	f.block = blockNone
	return [][]byte{frame}
}

// Flush closes the open block and emits message_delta plus the
// message_stop terminator.
func (f *formatter) Flush() [][]byte {
	if f.finished {
		return nil
	}
	f.finished = true

	var frames [][]byte
	if !f.started {
		// Degenerate stream with no content; still emit a valid envelope.
		f.started = true
		frames = append(frames, eventFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":          msgID(f.id),
				"type":        "message",
				"role":        "assistant",
				"model":       f.model,
				"content":     []any{},
				"stop_reason": nil,
				"usage":       map[string]any{"input_tokens": f.usage.InputTokens, "output_tokens": 0},
			},
		}))
	}
	frames = append(frames, f.closeBlock()...)

	stop := f.stopReason
	if stop == nil {
		stop = "end_turn"
	}
	frames = append(frames, eventFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop},
		"usage": map[string]any{"output_tokens": f.usage.OutputTokens},
	}))
	frames = append(frames, eventFrame("message_stop", map[string]any{"type": "message_stop"}))
	return frames
}

func eventFrame(name string, payload map[string]any) []byte {
	b, _ := json.Marshal(payload)
	return sse.EventFrame(name, b)
}
