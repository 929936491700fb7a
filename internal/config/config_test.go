package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: ":9090"
auth:
  admin_key: secret-admin
  keys:
    - name: alice
      secret: sk-alice
    - name: bob
      secret: sk-bob
providers:
  openrouter:
    type: chat
    api_base_url: https://openrouter.ai/api
    api_key: sk-or-test
  anthropic:
    type: messages
    api_base_url: https://api.anthropic.com
    api_key: sk-ant-test
    discount: 0.5
  gproxy:
    type: [chat, gemini]
    api_base_url:
      default: https://gw.example.com/v1
      gemini: https://gw.example.com/v1beta
    api_key: gw-key
models:
  - id: big-model
    additional_aliases: [big, large]
    targets:
      - provider: openrouter
        model: deepseek/deepseek-v3
      - provider: anthropic
        model: claude-sonnet-4
    pricing:
      input: 3.0
      output: 15.0
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if got := len(cfg.Auth.Keys); got != 2 {
		t.Fatalf("keys = %d, want 2", got)
	}
	if cfg.Auth.AdminKey != "secret-admin" {
		t.Errorf("admin key = %q", cfg.Auth.AdminKey)
	}

	or := cfg.Providers["openrouter"]
	if or == nil {
		t.Fatal("openrouter provider missing")
	}
	if or.Name != "openrouter" {
		t.Errorf("provider name = %q, want openrouter", or.Name)
	}
	if len(or.Type) != 1 || or.Type[0] != "chat" {
		t.Errorf("scalar type = %v", or.Type)
	}
	if or.BaseURL.Single != "https://openrouter.ai/api" {
		t.Errorf("base url = %q", or.BaseURL.Single)
	}

	gp := cfg.Providers["gproxy"]
	if len(gp.Type) != 2 {
		t.Errorf("list type = %v", gp.Type)
	}
	if gp.BaseURL.PerDialect["gemini"] != "https://gw.example.com/v1beta" {
		t.Errorf("per-dialect base url = %v", gp.BaseURL.PerDialect)
	}

	if len(cfg.Models) != 1 || len(cfg.Models[0].Targets) != 2 {
		t.Fatalf("models = %+v", cfg.Models)
	}
	if cfg.Models[0].Pricing == nil || cfg.Models[0].Pricing.InputPerM != 3.0 {
		t.Errorf("pricing = %+v", cfg.Models[0].Pricing)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("providers: {}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Cooldown.Default != 10*time.Minute {
		t.Errorf("default cooldown = %v", cfg.Cooldown.Default)
	}
	if cfg.A2A.IdempotencyRetention != 24*time.Hour {
		t.Errorf("idempotency retention = %v", cfg.A2A.IdempotencyRetention)
	}
	if cfg.A2A.DBTimeout != 10*time.Second {
		t.Errorf("db timeout = %v", cfg.A2A.DBTimeout)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 120 || cfg.RateLimit.MaxStreamRequests != 30 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("PLEXUS_TEST_KEY", "from-env")
	cfg, err := Parse([]byte(`
providers:
  p:
    type: chat
    api_key: ${PLEXUS_TEST_KEY}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Providers["p"].APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Providers["p"].APIKey)
	}
}

func TestParseEnvKnobs(t *testing.T) {
	t.Setenv("PROVIDER_COOLDOWN_MINUTES", "3")
	t.Setenv("A2A_RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("A2A_RATE_LIMIT_ENABLED", "false")
	cfg, err := Parse([]byte("providers: {}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Cooldown.Default != 3*time.Minute {
		t.Errorf("cooldown = %v", cfg.Cooldown.Default)
	}
	if cfg.RateLimit.MaxRequests != 7 {
		t.Errorf("max requests = %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limit should be disabled")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing type",
			yaml: "providers:\n  p:\n    api_key: k\n",
			want: "missing type",
		},
		{
			name: "unknown type",
			yaml: "providers:\n  p:\n    type: grpc\n",
			want: "unknown type",
		},
		{
			name: "unknown force_transformer",
			yaml: "providers:\n  p:\n    type: chat\n    force_transformer: soap\n",
			want: "unknown force_transformer",
		},
		{
			name: "unknown target provider",
			yaml: "models:\n  - id: m\n    targets:\n      - provider: ghost\n        model: x\n",
			want: "unknown provider",
		},
		{
			name: "duplicate alias",
			yaml: `
providers:
  p:
    type: chat
models:
  - id: a
    targets: [{provider: p, model: x}]
  - id: b
    additional_aliases: [a]
    targets: [{provider: p, model: y}]
`,
			want: "alias",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}
