// Package gemini implements the plexus.Transformer for the Google Gemini
// generateContent dialect.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
)

// Transformer converts between the generateContent wire format and the
// unified representation.
type Transformer struct{}

// New returns the gemini dialect transformer.
func New() *Transformer { return &Transformer{} }

// Dialect returns plexus.APIGemini.
func (t *Transformer) Dialect() plexus.APIType { return plexus.APIGemini }

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

// EffortFromBudget maps a numeric thinking budget to a reasoning effort
// level.
func EffortFromBudget(budget int) string {
	switch {
	case budget <= 0:
		return "none"
	case budget <= 1024:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

// BudgetFromEffort is the inverse mapping, picking the top of each band.
func BudgetFromEffort(effort string) int {
	switch effort {
	case "none":
		return 0
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 24576
	default:
		return -1
	}
}

// ParseRequest converts a raw generateContent body into a unified request.
// The model name travels in the URL, not the body; the HTTP layer fills it
// in after parsing.
func (t *Transformer) ParseRequest(body []byte) (*plexus.Request, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("contents").IsArray() {
		return nil, fmt.Errorf("gemini: parse request: missing contents")
	}

	req := &plexus.Request{
		IncomingAPI:  plexus.APIGemini,
		OriginalBody: body,
	}
	if tp := r.Get("generationConfig.temperature"); tp.Exists() {
		v := tp.Float()
		req.Temperature = &v
	}
	if mt := r.Get("generationConfig.maxOutputTokens"); mt.Exists() {
		n := int(mt.Int())
		req.MaxTokens = &n
	}
	if tb := r.Get("generationConfig.thinkingConfig.thinkingBudget"); tb.Exists() {
		req.Metadata = map[string]any{"reasoning_effort": EffortFromBudget(int(tb.Int()))}
	}
	if tools := r.Get("tools"); tools.Exists() {
		req.Tools = toOpenAITools(tools)
	}

	if sys := r.Get("systemInstruction.parts"); sys.Exists() {
		var b strings.Builder
		sys.ForEach(func(_, p gjson.Result) bool {
			b.WriteString(p.Get("text").Str)
			return true
		})
		if b.Len() > 0 {
			raw, _ := json.Marshal(b.String())
			req.Messages = append(req.Messages, plexus.Message{Role: "system", Content: raw})
		}
	}

	r.Get("contents").ForEach(func(_, content gjson.Result) bool {
		req.Messages = append(req.Messages, parseContent(content)...)
		return true
	})
	return req, nil
}

// parseContent decomposes one contents[] entry into unified messages.
func parseContent(content gjson.Result) []plexus.Message {
	role := content.Get("role").Str
	if role == "model" {
		role = "assistant"
	}
	if role == "" {
		role = "user"
	}

	var out []plexus.Message
	msg := plexus.Message{Role: role}
	var text, reasoning strings.Builder
	var toolCalls []map[string]any

	content.Get("parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			toolCalls = append(toolCalls, map[string]any{
				"id":   fc.Get("name").Str, // no separate IDs in this dialect
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").Str,
					"arguments": fc.Get("args").Raw,
				},
			})
		case p.Get("functionResponse").Exists():
			fr := p.Get("functionResponse")
			out = append(out, plexus.Message{
				Role:       "tool",
				Content:    json.RawMessage(fr.Get("response").Raw),
				ToolCallID: fr.Get("name").Str,
			})
		case p.Get("thought").Bool():
			reasoning.WriteString(p.Get("text").Str)
		default:
			text.WriteString(p.Get("text").Str)
		}
		return true
	})

	if text.Len() > 0 {
		raw, _ := json.Marshal(text.String())
		msg.Content = raw
	}
	msg.ReasoningContent = reasoning.String()
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		msg.ToolCalls = raw
	}
	if msg.Content != nil || msg.ToolCalls != nil || msg.ReasoningContent != "" {
		out = append([]plexus.Message{msg}, out...)
	}
	return out
}

// TransformRequest builds an outbound generateContent body from a unified
// request.
func (t *Transformer) TransformRequest(req *plexus.Request) ([]byte, error) {
	out := &geminiRequest{}

	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if effort, _ := req.Metadata["reasoning_effort"].(string); effort != "" {
		if budget := BudgetFromEffort(effort); budget >= 0 {
			if out.GenerationConfig == nil {
				out.GenerationConfig = &generationConfig{}
			}
			out.GenerationConfig.ThinkingConfig = &thinkingConfig{
				ThinkingBudget:  budget,
				IncludeThoughts: budget > 0,
			}
		}
	}

	if len(req.Tools) > 0 {
		if decls := functionDeclarations(req.Tools); decls != nil {
			out.Tools = []geminiTool{{FunctionDeclarations: decls}}
		}
	}

	if sys := req.SystemText(); sys != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Folded into systemInstruction.
		case "assistant":
			out.Contents = append(out.Contents, assistantContent(m))
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": responseValue(m.Content),
			})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: fr}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: plexus.ContentText(m.Content)}},
			})
		}
	}
	return json.Marshal(out)
}

// assistantContent builds a model-role content entry, splitting reasoning,
// text, and tool calls into parts.
func assistantContent(m plexus.Message) geminiContent {
	c := geminiContent{Role: "model"}
	if m.ReasoningContent != "" {
		c.Parts = append(c.Parts, geminiPart{Text: m.ReasoningContent, Thought: true})
	}
	if text := plexus.ContentText(m.Content); text != "" {
		c.Parts = append(c.Parts, geminiPart{Text: text})
	}
	gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments")
		argsRaw := args.Raw
		if args.Type == gjson.String {
			argsRaw = args.Str
		}
		if !json.Valid([]byte(argsRaw)) {
			argsRaw = "{}"
		}
		fc, _ := json.Marshal(map[string]any{
			"name": tc.Get("function.name").Str,
			"args": json.RawMessage(argsRaw),
		})
		c.Parts = append(c.Parts, geminiPart{FunctionCall: fc})
		return true
	})
	if len(c.Parts) == 0 {
		c.Parts = []geminiPart{{Text: ""}}
	}
	return c
}

// responseValue wraps non-object tool output the way functionResponse
// expects.
func responseValue(raw json.RawMessage) any {
	parsed := gjson.ParseBytes(raw)
	if parsed.IsObject() {
		return json.RawMessage(raw)
	}
	return map[string]any{"result": plexus.ContentText(raw)}
}

// functionDeclarations extracts declarations from OpenAI-shape tools.
func functionDeclarations(tools json.RawMessage) json.RawMessage {
	var decls []map[string]any
	gjson.ParseBytes(tools).ForEach(func(_, tl gjson.Result) bool {
		fn := tl.Get("function")
		if !fn.Exists() {
			return true
		}
		d := map[string]any{"name": fn.Get("name").Str}
		if desc := fn.Get("description").Str; desc != "" {
			d["description"] = desc
		}
		if params := fn.Get("parameters"); params.IsObject() {
			d["parameters"] = json.RawMessage(params.Raw)
		}
		decls = append(decls, d)
		return true
	})
	if len(decls) == 0 {
		return nil
	}
	raw, _ := json.Marshal(decls)
	return raw
}

// toOpenAITools converts gemini tools to the unified OpenAI shape.
func toOpenAITools(tools gjson.Result) json.RawMessage {
	var out []map[string]any
	tools.ForEach(func(_, tl gjson.Result) bool {
		tl.Get("functionDeclarations").ForEach(func(_, fd gjson.Result) bool {
			fn := map[string]any{"name": fd.Get("name").Str}
			if d := fd.Get("description").Str; d != "" {
				fn["description"] = d
			}
			if params := fd.Get("parameters"); params.IsObject() {
				fn["parameters"] = json.RawMessage(params.Raw)
			}
			out = append(out, map[string]any{"type": "function", "function": fn})
			return true
		})
		return true
	})
	if len(out) == 0 {
		return nil
	}
	raw, _ := json.Marshal(out)
	return raw
}

// TransformResponse extracts content and usage from an upstream
// generateContent reply.
func (t *Transformer) TransformResponse(body []byte) (*plexus.Response, error) {
	r := gjson.ParseBytes(body)
	if r.Get("error").Exists() {
		return nil, fmt.Errorf("gemini: upstream error: %s", r.Get("error.message").Str)
	}

	resp := &plexus.Response{
		Model:        r.Get("modelVersion").Str,
		FinishReason: finishFromGemini(r.Get("candidates.0.finishReason").Str),
		RawResponse:  body,
	}

	var text, reasoning strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			resp.ToolCalls = append(resp.ToolCalls, plexus.ToolCall{
				ID:        fc.Get("name").Str,
				Name:      fc.Get("name").Str,
				Arguments: json.RawMessage(fc.Get("args").Raw),
			})
		case p.Get("thought").Bool():
			reasoning.WriteString(p.Get("text").Str)
		default:
			text.WriteString(p.Get("text").Str)
		}
		return true
	})
	resp.Content = text.String()
	resp.ReasoningContent = reasoning.String()
	if len(resp.ToolCalls) > 0 && resp.FinishReason == "stop" {
		resp.FinishReason = "tool_calls"
	}

	if u := r.Get("usageMetadata"); u.Exists() {
		resp.Usage = plexus.Usage{
			InputTokens:     int(u.Get("promptTokenCount").Int()),
			OutputTokens:    int(u.Get("candidatesTokenCount").Int()),
			CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
			ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
		}
	}
	return resp, nil
}

// FormatResponse produces a client-shaped generateContent JSON body.
func (t *Transformer) FormatResponse(resp *plexus.Response) ([]byte, error) {
	var parts []geminiPart
	if resp.ReasoningContent != "" {
		parts = append(parts, geminiPart{Text: resp.ReasoningContent, Thought: true})
	}
	if resp.Content != "" {
		parts = append(parts, geminiPart{Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		fc, _ := json.Marshal(map[string]any{"name": tc.Name, "args": args})
		parts = append(parts, geminiPart{FunctionCall: fc})
	}
	if parts == nil {
		parts = []geminiPart{{Text: ""}}
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      geminiContent{Role: "model", Parts: parts},
			"finishReason": geminiFromFinish(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			"thoughtsTokenCount":   resp.Usage.ReasoningTokens,
		},
		"modelVersion": resp.Model,
	}
	return json.Marshal(out)
}

// Endpoint returns the generateContent path for the request's model, using
// the streaming variant with SSE framing when streaming.
func (t *Transformer) Endpoint(req *plexus.Request) string {
	if req.Stream {
		return "/models/" + req.Model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + req.Model + ":generateContent"
}

// finishFromGemini converts finish reasons to the unified vocabulary.
func finishFromGemini(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// geminiFromFinish is the inverse mapping.
func geminiFromFinish(reason string) string {
	switch reason {
	case "stop", "tool_calls", "":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return strings.ToUpper(reason)
	}
}
