package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSessionDefaults(t *testing.T) {
	cfg, err := LoadSession("")
	if err != nil {
		t.Fatalf("LoadSession(\"\") error: %v", err)
	}
	if cfg.Model == "" || cfg.ContextLimit <= 0 {
		t.Fatalf("defaults incomplete: %+v", cfg)
	}
}

func TestLoadSessionMergesOverDefaults(t *testing.T) {
	path := writeProfile(t, strings.TrimSpace(`
model: gpt-4.1
context_limit: 4000
max_tokens: 250
temperature: 0.3
system_preamble: you are terse
transformations:
  - name: cleanup_whitespace
  - name: prepend_prefix
    args:
      prefix: "User: "
`))

	cfg, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if cfg.Model != "gpt-4.1" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.ContextLimit != 4000 || cfg.MaxOutputTokens != 250 {
		t.Errorf("budget = %d/%d", cfg.ContextLimit, cfg.MaxOutputTokens)
	}
	if cfg.Temperature != 0.3 {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	// Unset fields keep their defaults.
	if cfg.TopP != 1.0 {
		t.Errorf("TopP = %v, want default 1.0", cfg.TopP)
	}
	if len(cfg.Transformations) != 2 {
		t.Errorf("Transformations = %v", cfg.Transformations)
	}
}

func TestLoadSessionValidation(t *testing.T) {
	tests := []struct {
		name    string
		profile string
	}{
		{"zero context limit", "context_limit: 0"},
		{"negative max tokens", "max_tokens: -5"},
		{"output budget swallows context", "context_limit: 100\nmax_tokens: 100"},
		{"unknown transformer", "transformations:\n  - name: rot13"},
		{"empty model", `model: ""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeProfile(t, tt.profile)
			if _, err := LoadSession(path); err == nil {
				t.Fatalf("LoadSession() accepted invalid profile %q", tt.profile)
			}
		})
	}
}

func TestParamsMapping(t *testing.T) {
	cfg := SessionConfig{
		Model:           "m",
		ContextLimit:    1000,
		MaxOutputTokens: 100,
		Temperature:     0.5,
		TopP:            0.9,
		Stop:            "\n\n",
	}
	p := cfg.Params()
	if p.Model != "m" || p.MaxTokens != 100 || p.Temperature != 0.5 || p.TopP != 0.9 || p.Stop != "\n\n" {
		t.Fatalf("Params() = %+v", p)
	}
}
