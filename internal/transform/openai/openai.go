// Package openai implements the plexus.Transformer for the OpenAI
// chat-completions dialect.
package openai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
)

// Transformer converts between the chat-completions wire format and the
// unified representation.
type Transformer struct{}

// New returns the chat dialect transformer.
func New() *Transformer { return &Transformer{} }

// Dialect returns plexus.APIChat.
func (t *Transformer) Dialect() plexus.APIType { return plexus.APIChat }

// chatRequest is the OpenAI chat-completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []chatMsg        `json:"messages"`
	Tools         json.RawMessage  `json:"tools,omitempty"`
	ToolChoice    json.RawMessage  `json:"tool_choice,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

type chatMsg struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ParseRequest converts a raw chat-completions body into a unified request.
func (t *Transformer) ParseRequest(body []byte) (*plexus.Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("openai: parse request: %w", err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("openai: parse request: missing model")
	}
	req := &plexus.Request{
		Model:        in.Model,
		IncomingAPI:  plexus.APIChat,
		Tools:        in.Tools,
		ToolChoice:   in.ToolChoice,
		MaxTokens:    in.MaxTokens,
		Temperature:  in.Temperature,
		Stream:       in.Stream,
		Metadata:     in.Metadata,
		OriginalBody: body,
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, plexus.Message{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningContent: m.ReasoningContent,
			ToolCalls:        m.ToolCalls,
			ToolCallID:       m.ToolCallID,
		})
	}
	return req, nil
}

// TransformRequest builds an outbound chat-completions body from a unified
// request.
func (t *Transformer) TransformRequest(req *plexus.Request) ([]byte, error) {
	out := chatRequest{
		Model:       req.Model,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMsg{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningContent: m.ReasoningContent,
			ToolCalls:        m.ToolCalls,
			ToolCallID:       m.ToolCallID,
		})
	}
	return json.Marshal(out)
}

// TransformResponse extracts content and usage from an upstream
// chat-completions reply.
func (t *Transformer) TransformResponse(body []byte) (*plexus.Response, error) {
	r := gjson.ParseBytes(body)
	if r.Get("error").Exists() {
		return nil, fmt.Errorf("openai: upstream error: %s", r.Get("error.message").Str)
	}

	resp := &plexus.Response{
		ID:               r.Get("id").Str,
		Model:            r.Get("model").Str,
		Created:          r.Get("created").Int(),
		Content:          r.Get("choices.0.message.content").Str,
		ReasoningContent: r.Get("choices.0.message.reasoning_content").Str,
		FinishReason:     r.Get("choices.0.finish_reason").Str,
		RawResponse:      body,
	}
	r.Get("choices.0.message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		resp.ToolCalls = append(resp.ToolCalls, plexus.ToolCall{
			ID:        tc.Get("id").Str,
			Name:      tc.Get("function.name").Str,
			Arguments: json.RawMessage(tc.Get("function.arguments").Str),
		})
		return true
	})
	if u := r.Get("usage"); u.Exists() {
		resp.Usage = plexus.Usage{
			InputTokens:     int(u.Get("prompt_tokens").Int()),
			OutputTokens:    int(u.Get("completion_tokens").Int()),
			CachedTokens:    int(u.Get("prompt_tokens_details.cached_tokens").Int()),
			ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		}
	}
	return resp, nil
}

// FormatResponse produces a client-shaped chat-completions JSON body.
func (t *Transformer) FormatResponse(resp *plexus.Response) ([]byte, error) {
	msg := map[string]any{
		"role":    "assistant",
		"content": nilOrString(resp.Content),
	}
	if resp.ReasoningContent != "" {
		msg["reasoning_content"] = resp.ReasoningContent
	}
	if len(resp.ToolCalls) > 0 {
		var tcs []map[string]any
		for _, tc := range resp.ToolCalls {
			tcs = append(tcs, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(tc.Arguments),
				},
			})
		}
		msg["tool_calls"] = tcs
	}

	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	out := map[string]any{
		"id":      respID(resp.ID),
		"object":  "chat.completion",
		"created": created,
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": nilOrString(resp.FinishReason),
		}},
		"usage": formatUsage(resp.Usage),
	}
	return json.Marshal(out)
}

// Endpoint returns the chat-completions path.
func (t *Transformer) Endpoint(_ *plexus.Request) string { return "/chat/completions" }

// formatUsage builds the chat-completions usage object, including the
// details sub-objects when the values are present.
func formatUsage(u plexus.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
	if u.CachedTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CachedTokens}
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	return out
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func respID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
