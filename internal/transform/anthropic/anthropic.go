// Package anthropic implements the plexus.Transformer for the Anthropic
// messages dialect.
package anthropic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
)

// claudeCodeUserID matches the metadata.user_id format the Claude Code CLI
// sends; requests carrying it get the CLI system prompt prepended.
var claudeCodeUserID = regexp.MustCompile(`^user_[^_]+_account_.+_session_.+$`)

// claudeCodePrompt is the exact instruction text expected as the first
// system block for Claude Code sessions.
const claudeCodePrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// internalMetadataKeys are gateway-private metadata fields that must never
// reach an upstream provider.
var internalMetadataKeys = []string{"selected_oauth_account", "oauth_project_id"}

// Transformer converts between the messages wire format and the unified
// representation.
type Transformer struct{}

// New returns the messages dialect transformer.
func New() *Transformer { return &Transformer{} }

// Dialect returns plexus.APIMessages.
func (t *Transformer) Dialect() plexus.APIType { return plexus.APIMessages }

// messagesRequest is the Anthropic messages request body.
type messagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseRequest converts a raw messages body into a unified request. Thinking
// blocks become reasoning content, tool_use blocks become unified tool
// calls, and tool_result blocks become tool-role messages.
func (t *Transformer) ParseRequest(body []byte) (*plexus.Request, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("model").Exists() {
		return nil, fmt.Errorf("anthropic: parse request: missing model")
	}
	if !r.Get("messages").IsArray() {
		return nil, fmt.Errorf("anthropic: parse request: missing messages")
	}

	req := &plexus.Request{
		Model:        r.Get("model").Str,
		IncomingAPI:  plexus.APIMessages,
		Stream:       r.Get("stream").Bool(),
		OriginalBody: body,
	}
	if mt := r.Get("max_tokens"); mt.Exists() {
		n := int(mt.Int())
		req.MaxTokens = &n
	}
	if tp := r.Get("temperature"); tp.Exists() {
		v := tp.Float()
		req.Temperature = &v
	}
	if tools := r.Get("tools"); tools.Exists() {
		req.Tools = toOpenAITools(tools)
	}
	if tc := r.Get("tool_choice"); tc.Exists() {
		req.ToolChoice = json.RawMessage(tc.Raw)
	}
	if md := r.Get("metadata"); md.IsObject() {
		req.Metadata = map[string]any{}
		md.ForEach(func(k, v gjson.Result) bool {
			req.Metadata[k.Str] = v.Value()
			return true
		})
	}

	if sys := r.Get("system"); sys.Exists() {
		req.Messages = append(req.Messages, plexus.Message{
			Role:    "system",
			Content: json.RawMessage(sys.Raw),
		})
	}

	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		req.Messages = append(req.Messages, parseMessage(m)...)
		return true
	})
	return req, nil
}

// parseMessage decomposes one anthropic message into unified messages.
// Tool results split off into their own tool-role messages.
func parseMessage(m gjson.Result) []plexus.Message {
	role := m.Get("role").Str
	content := m.Get("content")

	if !content.IsArray() {
		return []plexus.Message{{Role: role, Content: json.RawMessage(content.Raw)}}
	}

	var out []plexus.Message
	msg := plexus.Message{Role: role}
	var textParts []json.RawMessage
	var toolCalls []map[string]any

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			textParts = append(textParts, json.RawMessage(block.Raw))
		case "thinking":
			msg.ReasoningContent = block.Get("thinking").Str
			msg.ReasoningSignature = block.Get("signature").Str
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").Str,
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").Str,
					"arguments": block.Get("input").Raw,
				},
			})
		case "tool_result":
			out = append(out, plexus.Message{
				Role:       "tool",
				Content:    json.RawMessage(block.Get("content").Raw),
				ToolCallID: block.Get("tool_use_id").Str,
			})
		default:
			// Image and document blocks pass through as text parts.
			textParts = append(textParts, json.RawMessage(block.Raw))
		}
		return true
	})

	if len(textParts) > 0 {
		raw, _ := json.Marshal(textParts)
		msg.Content = raw
	}
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		msg.ToolCalls = raw
	}
	if msg.Content != nil || msg.ToolCalls != nil || msg.ReasoningContent != "" {
		out = append([]plexus.Message{msg}, out...)
	}
	return out
}

// TransformRequest builds an outbound messages body from a unified request.
func (t *Transformer) TransformRequest(req *plexus.Request) ([]byte, error) {
	out := messagesRequest{
		Model:       req.Model,
		MaxTokens:   4096, // required field
		Temperature: req.Temperature,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		out.Tools = toAnthropicTools(req.Tools)
	}

	systemBlocks := systemFor(req)
	if len(systemBlocks) > 0 {
		raw, _ := json.Marshal(systemBlocks)
		out.System = raw
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Already folded into the system field.
		case "tool":
			block, _ := json.Marshal([]map[string]any{{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     contentValue(m.Content),
			}})
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: block})
		case "assistant":
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "assistant",
				Content: assistantContent(m),
			})
		default:
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: m.Content})
		}
	}

	if md := cleanMetadata(req.Metadata); md != nil {
		raw, _ := json.Marshal(md)
		out.Metadata = raw
	}
	return json.Marshal(&out)
}

// systemFor builds the system blocks, prepending the Claude Code prompt when
// the request carries a CLI session user_id.
func systemFor(req *plexus.Request) []map[string]any {
	var blocks []map[string]any
	if uid, _ := req.Metadata["user_id"].(string); uid != "" && claudeCodeUserID.MatchString(uid) {
		blocks = append(blocks, map[string]any{"type": "text", "text": claudeCodePrompt})
	}
	if sys := req.SystemText(); sys != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": sys})
	}
	return blocks
}

// cleanMetadata strips gateway-internal keys before the metadata object is
// forwarded upstream.
func cleanMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	for _, k := range internalMetadataKeys {
		delete(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// assistantContent builds the content blocks for an assistant message,
// ordering thinking before text before tool_use.
func assistantContent(m plexus.Message) json.RawMessage {
	var blocks []map[string]any
	if m.ReasoningContent != "" {
		b := map[string]any{"type": "thinking", "thinking": m.ReasoningContent}
		if m.ReasoningSignature != "" {
			b["signature"] = m.ReasoningSignature
		}
		blocks = append(blocks, b)
	}
	if text := plexus.ContentText(m.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments")
		var input any = map[string]any{}
		switch {
		case args.Type == gjson.String && json.Valid([]byte(args.Str)):
			input = json.RawMessage(args.Str)
		case args.IsObject():
			input = json.RawMessage(args.Raw)
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").Str,
			"name":  tc.Get("function.name").Str,
			"input": input,
		})
		return true
	})
	if len(blocks) == 0 {
		return m.Content
	}
	raw, _ := json.Marshal(blocks)
	return raw
}

// contentValue decodes raw content to a JSON-encodable value, defaulting to
// the raw string.
func contentValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		return v
	}
	return string(raw)
}

// toAnthropicTools converts OpenAI-shape tools to the messages format.
// Already-converted tools pass through untouched.
func toAnthropicTools(tools json.RawMessage) json.RawMessage {
	parsed := gjson.ParseBytes(tools)
	if !parsed.IsArray() {
		return tools
	}
	var out []map[string]any
	native := true
	parsed.ForEach(func(_, tl gjson.Result) bool {
		fn := tl.Get("function")
		if !fn.Exists() {
			return true // not OpenAI shape
		}
		native = false
		tool := map[string]any{
			"name":         fn.Get("name").Str,
			"input_schema": json.RawMessage(fn.Get("parameters").Raw),
		}
		if d := fn.Get("description").Str; d != "" {
			tool["description"] = d
		}
		out = append(out, tool)
		return true
	})
	if native || len(out) == 0 {
		return tools
	}
	raw, _ := json.Marshal(out)
	return raw
}

// toOpenAITools converts messages-format tools to the unified OpenAI shape.
func toOpenAITools(tools gjson.Result) json.RawMessage {
	var out []map[string]any
	tools.ForEach(func(_, tl gjson.Result) bool {
		if tl.Get("function").Exists() {
			// Already OpenAI shape.
			var v map[string]any
			json.Unmarshal([]byte(tl.Raw), &v)
			out = append(out, v)
			return true
		}
		fn := map[string]any{
			"name":       tl.Get("name").Str,
			"parameters": json.RawMessage(tl.Get("input_schema").Raw),
		}
		if d := tl.Get("description").Str; d != "" {
			fn["description"] = d
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
		return true
	})
	if len(out) == 0 {
		return nil
	}
	raw, _ := json.Marshal(out)
	return raw
}

// TransformResponse extracts content and usage from an upstream messages
// reply.
func (t *Transformer) TransformResponse(body []byte) (*plexus.Response, error) {
	r := gjson.ParseBytes(body)
	if r.Get("type").Str == "error" {
		return nil, fmt.Errorf("anthropic: upstream error: %s", r.Get("error.message").Str)
	}

	resp := &plexus.Response{
		ID:           r.Get("id").Str,
		Model:        r.Get("model").Str,
		FinishReason: finishFromStopReason(r.Get("stop_reason").Str),
		RawResponse:  body,
	}

	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			text.WriteString(block.Get("text").Str)
		case "thinking":
			resp.ReasoningContent += block.Get("thinking").Str
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, plexus.ToolCall{
				ID:        block.Get("id").Str,
				Name:      block.Get("name").Str,
				Arguments: json.RawMessage(block.Get("input").Raw),
			})
		}
		return true
	})
	resp.Content = text.String()

	if u := r.Get("usage"); u.Exists() {
		resp.Usage = plexus.Usage{
			InputTokens:     int(u.Get("input_tokens").Int()),
			OutputTokens:    int(u.Get("output_tokens").Int()),
			CachedTokens:    int(u.Get("cache_read_input_tokens").Int()),
			ReasoningTokens: int(u.Get("thinking_tokens").Int()),
		}
	}
	return resp, nil
}

// FormatResponse produces a client-shaped messages JSON body.
func (t *Transformer) FormatResponse(resp *plexus.Response) ([]byte, error) {
	var content []map[string]any
	if resp.ReasoningContent != "" {
		content = append(content, map[string]any{
			"type":     "thinking",
			"thinking": resp.ReasoningContent,
		})
	}
	if resp.Content != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(`{}`)
		if json.Valid(tc.Arguments) {
			input = tc.Arguments
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	if content == nil {
		content = []map[string]any{}
	}

	out := map[string]any{
		"id":          msgID(resp.ID),
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": stopReasonFromFinish(resp.FinishReason),
		"usage": map[string]any{
			"input_tokens":            resp.Usage.InputTokens,
			"output_tokens":           resp.Usage.OutputTokens,
			"cache_read_input_tokens": resp.Usage.CachedTokens,
		},
	}
	return json.Marshal(out)
}

// Endpoint returns the messages path.
func (t *Transformer) Endpoint(_ *plexus.Request) string { return "/v1/messages" }

// finishFromStopReason converts messages stop reasons to unified finish
// reasons (OpenAI vocabulary).
func finishFromStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// stopReasonFromFinish is the inverse mapping.
func stopReasonFromFinish(reason string) any {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "":
		return nil
	default:
		return reason
	}
}

func msgID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
