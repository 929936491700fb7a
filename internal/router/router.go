// Package router resolves requested model names to concrete provider/model
// targets, honoring aliases, cooldowns, and selectors.
package router

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/cooldown"
)

// Router maps aliases and provider/model syntax to routes.
type Router struct {
	providers map[string]*plexus.ProviderConfig
	models    []plexus.ModelConfig
	aliases   map[string]*plexus.ModelConfig
	cooldowns *cooldown.Manager
	log       *slog.Logger
}

// New builds a router over static configuration.
func New(providers map[string]*plexus.ProviderConfig, models []plexus.ModelConfig, cd *cooldown.Manager, log *slog.Logger) *Router {
	r := &Router{
		providers: providers,
		models:    models,
		aliases:   make(map[string]*plexus.ModelConfig),
		cooldowns: cd,
		log:       log,
	}
	for i := range models {
		m := &r.models[i]
		r.aliases[m.ID] = m
		for _, alias := range m.AdditionalAliases {
			r.aliases[alias] = m
		}
	}
	return r
}

// Resolve maps requestedModel to a concrete route. accountFor, when
// non-nil, supplies the OAuth account that would serve a provider so
// account-scoped cooldowns participate in filtering.
func (r *Router) Resolve(requestedModel string, accountFor func(provider string) string) (*plexus.Route, error) {
	if provider, model, ok := strings.Cut(requestedModel, "/"); ok {
		return r.resolveDirect(provider, model)
	}

	mc, ok := r.aliases[requestedModel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", plexus.ErrModelNotFound, requestedModel)
	}

	healthy := r.cooldowns.FilterHealthy(r.enabledTargets(mc), accountFor)
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", plexus.ErrNoHealthyTarget, requestedModel)
	}

	target, err := pickTarget(mc.Selector, healthy)
	if err != nil {
		return nil, err
	}
	return &plexus.Route{
		Provider:       target.Provider,
		Model:          target.Model,
		ProviderConfig: r.providers[target.Provider],
		ModelConfig:    mc,
		CanonicalModel: mc.ID,
		IncomingAlias:  requestedModel,
	}, nil
}

// resolveDirect handles the provider/model syntax. The remainder after the
// first slash is the model, even when it contains further slashes.
func (r *Router) resolveDirect(provider, model string) (*plexus.Route, error) {
	pc, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", plexus.ErrModelNotFound, provider)
	}
	if !pc.IsEnabled() {
		return nil, fmt.Errorf("%w: %s", plexus.ErrProviderDisabled, provider)
	}
	route := &plexus.Route{
		Provider:       provider,
		Model:          model,
		ProviderConfig: pc,
		IncomingAlias:  provider + "/" + model,
	}
	// Pricing is optional for direct routes; borrow it from an alias entry
	// that targets the same upstream model when one exists.
	if mc, ok := r.aliases[model]; ok {
		route.ModelConfig = mc
		route.CanonicalModel = mc.ID
	}
	return route, nil
}

// enabledTargets drops targets whose provider is unknown or disabled.
func (r *Router) enabledTargets(mc *plexus.ModelConfig) []plexus.Target {
	out := make([]plexus.Target, 0, len(mc.Targets))
	for _, t := range mc.Targets {
		pc, ok := r.providers[t.Provider]
		if !ok || !pc.IsEnabled() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// pickTarget applies the model's selector to the healthy subset. First
// entry wins unless a selector overrides; only "random" is implemented and
// other names are reserved.
func pickTarget(selector string, healthy []plexus.Target) (plexus.Target, error) {
	switch selector {
	case "", "first":
		return healthy[0], nil
	case "random":
		return healthy[rand.IntN(len(healthy))], nil
	default:
		return plexus.Target{}, fmt.Errorf("%w: %s", plexus.ErrSelectorNotImplemented, selector)
	}
}

// ModelInfo is one /v1/models listing entry.
type ModelInfo struct {
	ID      string   `json:"id"`
	Aliases []string `json:"aliases,omitempty"`
	Object  string   `json:"object"`
	OwnedBy string   `json:"owned_by"`
}

// ListModels returns the configured alias catalog.
func (r *Router) ListModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, ModelInfo{
			ID:      m.ID,
			Aliases: m.AdditionalAliases,
			Object:  "model",
			OwnedBy: "plexus",
		})
	}
	return out
}
