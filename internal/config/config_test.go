package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("model.api_key", "key")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.Generation.CreditCost != 5 {
		t.Fatalf("expected default credit cost 5, got %d", cfg.Generation.CreditCost)
	}
	if !cfg.Generation.SerializePerProject {
		t.Fatalf("expected per-project serialization enabled by default")
	}
	if cfg.Model.Timeout != 3*time.Minute {
		t.Fatalf("unexpected model timeout: %s", cfg.Model.Timeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
	if cfg.Publish.Enabled() {
		t.Fatalf("expected publish mirror disabled without bucket")
	}
}

func TestLoadValidationFailures(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{
			name:      "missing-signing-secret",
			overrides: map[string]any{"model.api_key": "key"},
			wantError: "session.signing_secret",
		},
		{
			name:      "missing-model-key",
			overrides: map[string]any{"session.signing_secret": "secret"},
			wantError: "model.api_key",
		},
		{
			name: "unsupported-driver",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"model.api_key":          "key",
				"database.driver":        "postgres",
			},
			wantError: "database.driver",
		},
		{
			name: "non-positive-cost",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"model.api_key":          "key",
				"generation.credit_cost": 0,
			},
			wantError: "generation.credit_cost",
		},
		{
			name: "publish-without-region",
			overrides: map[string]any{
				"session.signing_secret": "secret",
				"model.api_key":          "key",
				"publish.s3.bucket":      "sites",
			},
			wantError: "publish.s3.region",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantError) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantError, err)
			}
		})
	}
}

func TestSplitListDropsBlanks(t *testing.T) {
	values := splitList(" https://a.example , ,https://b.example")
	if len(values) != 2 || values[0] != "https://a.example" || values[1] != "https://b.example" {
		t.Fatalf("unexpected values: %v", values)
	}
}
