package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/sse"
	"github.com/plexushq/plexus/internal/transform/gemini"
)

// Antigravity speaks the gemini dialect wrapped in {"request": …} /
// {"response": …} envelopes. Requests are wrapped on the way out, responses
// and SSE frames unwrapped before the gemini codec sees them.
type Antigravity struct {
	*gemini.Transformer
}

// NewAntigravity returns the antigravity envelope transformer.
func NewAntigravity() *Antigravity {
	return &Antigravity{Transformer: gemini.New()}
}

// TransformRequest wraps the gemini body in a request envelope.
func (a *Antigravity) TransformRequest(req *plexus.Request) ([]byte, error) {
	inner, err := a.Transformer.TransformRequest(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"request": inner})
}

// TransformResponse unwraps the response envelope before parsing.
func (a *Antigravity) TransformResponse(body []byte) (*plexus.Response, error) {
	return a.Transformer.TransformResponse(unwrap(body))
}

// TransformStream unwraps each SSE data frame before the gemini parser.
func (a *Antigravity) TransformStream(ctx context.Context, body io.ReadCloser) <-chan plexus.StreamChunk {
	pr, pw := io.Pipe()
	go func() {
		defer body.Close()
		scanner := sse.NewScanner(body)
		for scanner.Scan() {
			_, data, ok := sse.ParseLine(scanner.Text())
			if !ok || data == "" {
				continue
			}
			if _, err := pw.Write(sse.DataFrame(unwrap([]byte(data)))); err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(fmt.Errorf("antigravity: read stream: %w", err))
			return
		}
		pw.Close()
	}()
	return a.Transformer.TransformStream(ctx, pr)
}

// unwrap strips a {"response": …} envelope, passing other bodies through.
func unwrap(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return body
}
