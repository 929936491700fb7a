// Package transform wires the dialect transformers together. The dispatcher
// looks transformers up by APIType and never imports a concrete dialect.
package transform

import (
	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/transform/anthropic"
	"github.com/plexushq/plexus/internal/transform/gemini"
	"github.com/plexushq/plexus/internal/transform/openai"
)

var registry = map[plexus.APIType]plexus.Transformer{
	plexus.APIChat:     openai.New(),
	plexus.APIMessages: anthropic.New(),
	plexus.APIGemini:   gemini.New(),
}

// For returns the transformer for a dialect.
func For(api plexus.APIType) (plexus.Transformer, bool) {
	t, ok := registry[api]
	return t, ok
}

// ForProvider returns the transformer for a provider and chosen dialect,
// wrapping the gemini transformer in the antigravity envelope codec when the
// provider declares the antigravity type.
func ForProvider(p *plexus.ProviderConfig, dialect plexus.APIType) (plexus.Transformer, bool) {
	if p != nil && hasType(p, "antigravity") {
		return NewAntigravity(), true
	}
	return For(dialect)
}

// IsAntigravity reports whether the provider speaks the envelope wire format.
// Envelope providers never qualify for pass-through even when the client
// already speaks gemini.
func IsAntigravity(p *plexus.ProviderConfig) bool {
	return p != nil && hasType(p, "antigravity")
}

func hasType(p *plexus.ProviderConfig, name string) bool {
	for _, t := range p.Type {
		if t == name {
			return true
		}
	}
	return false
}
