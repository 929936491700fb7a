package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	plexus "github.com/plexushq/plexus/internal"
	"github.com/plexushq/plexus/internal/cooldown"
	"github.com/plexushq/plexus/internal/testutil"
)

func boolPtr(b bool) *bool { return &b }

func newTestRouter(t *testing.T) (*Router, *cooldown.Manager) {
	t.Helper()
	providers := map[string]*plexus.ProviderConfig{
		"openrouter": {Name: "openrouter", Type: plexus.StringList{"chat"}},
		"anthropic":  {Name: "anthropic", Type: plexus.StringList{"messages"}},
		"disabled":   {Name: "disabled", Type: plexus.StringList{"chat"}, Enabled: boolPtr(false)},
	}
	models := []plexus.ModelConfig{
		{
			ID:                "big-model",
			AdditionalAliases: []string{"big"},
			Targets: []plexus.Target{
				{Provider: "openrouter", Model: "deepseek/deepseek-v3"},
				{Provider: "anthropic", Model: "claude-sonnet-4"},
			},
		},
		{
			ID:       "lonely",
			Targets:  []plexus.Target{{Provider: "disabled", Model: "x"}},
			Selector: "",
		},
		{
			ID:       "reserved-selector",
			Targets:  []plexus.Target{{Provider: "openrouter", Model: "m"}},
			Selector: "weighted",
		},
	}
	cd := cooldown.NewManager(testutil.NewFakeStore(), 10*time.Minute, slog.Default())
	return New(providers, models, cd, slog.Default()), cd
}

func TestResolveAlias_FirstTargetWins(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	route, err := r.Resolve("big-model", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Provider != "openrouter" || route.Model != "deepseek/deepseek-v3" {
		t.Errorf("route = %s/%s", route.Provider, route.Model)
	}
	if route.CanonicalModel != "big-model" || route.IncomingAlias != "big-model" {
		t.Errorf("canonical=%q alias=%q", route.CanonicalModel, route.IncomingAlias)
	}
}

func TestResolveAdditionalAlias(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	route, err := r.Resolve("big", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.CanonicalModel != "big-model" || route.IncomingAlias != "big" {
		t.Errorf("canonical=%q alias=%q", route.CanonicalModel, route.IncomingAlias)
	}
}

func TestResolveCooldownFailover(t *testing.T) {
	t.Parallel()
	r, cd := newTestRouter(t)

	cd.MarkFailure(context.Background(), "openrouter", "deepseek/deepseek-v3", "", time.Hour)
	route, err := r.Resolve("big-model", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Provider != "anthropic" {
		t.Errorf("provider = %q, want failover to anthropic", route.Provider)
	}
}

func TestResolveNoHealthyTarget(t *testing.T) {
	t.Parallel()
	r, cd := newTestRouter(t)
	ctx := context.Background()

	cd.MarkFailure(ctx, "openrouter", "deepseek/deepseek-v3", "", time.Hour)
	cd.MarkFailure(ctx, "anthropic", "claude-sonnet-4", "", time.Hour)
	_, err := r.Resolve("big-model", nil)
	if !errors.Is(err, plexus.ErrNoHealthyTarget) {
		t.Errorf("err = %v, want ErrNoHealthyTarget", err)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Resolve("ghost-model", nil)
	if !errors.Is(err, plexus.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestResolveDirectSyntax(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	// The remainder keeps its slashes.
	route, err := r.Resolve("openrouter/deepseek/deepseek-v3", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Provider != "openrouter" || route.Model != "deepseek/deepseek-v3" {
		t.Errorf("route = %s/%s", route.Provider, route.Model)
	}
	if route.CanonicalModel != "" {
		t.Errorf("direct route canonical = %q, want empty", route.CanonicalModel)
	}
}

func TestResolveDirectUnknownProvider(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Resolve("ghost/some-model", nil)
	if !errors.Is(err, plexus.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestResolveDirectDisabledProvider(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Resolve("disabled/some-model", nil)
	if !errors.Is(err, plexus.ErrProviderDisabled) {
		t.Errorf("err = %v, want ErrProviderDisabled", err)
	}
}

func TestResolveDisabledTargetSkipped(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Resolve("lonely", nil)
	if !errors.Is(err, plexus.ErrNoHealthyTarget) {
		t.Errorf("err = %v, want ErrNoHealthyTarget", err)
	}
}

func TestResolveReservedSelector(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Resolve("reserved-selector", nil)
	if !errors.Is(err, plexus.ErrSelectorNotImplemented) {
		t.Errorf("err = %v, want ErrSelectorNotImplemented", err)
	}
}

func TestResolveAccountScopedCooldown(t *testing.T) {
	t.Parallel()
	r, cd := newTestRouter(t)

	cd.MarkFailure(context.Background(), "openrouter", "deepseek/deepseek-v3", "acct-1", time.Hour)

	// The account that would serve the call is cooling; fail over.
	route, err := r.Resolve("big-model", func(p string) string { return "acct-1" })
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", route.Provider)
	}

	// A different account is fine.
	route, err = r.Resolve("big-model", func(p string) string { return "acct-2" })
	if err != nil || route.Provider != "openrouter" {
		t.Errorf("route = %+v err = %v", route, err)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	models := r.ListModels()
	if len(models) != 3 {
		t.Fatalf("models = %d", len(models))
	}
	if models[0].ID != "big-model" || models[0].Aliases[0] != "big" {
		t.Errorf("first model = %+v", models[0])
	}
}
