package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mwmacmahon/llmtextadventure/internal/llm"
	"github.com/mwmacmahon/llmtextadventure/internal/transform"
)

// SessionConfig holds everything fixed for one session's lifetime: the
// context budget, generation parameters, and input shaping. Loaded from a
// YAML profile and validated once; never mutated afterward.
type SessionConfig struct {
	Model            string  `yaml:"model"`
	ContextLimit     int     `yaml:"context_limit"`
	MaxOutputTokens  int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	N                int     `yaml:"n"`
	Stop             string  `yaml:"stop"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`

	SystemPreamble string `yaml:"system_preamble"`
	AIPrefix       string `yaml:"ai_prefix"`

	Transformations []transform.Spec `yaml:"transformations"`
}

// DefaultSession returns the baseline profile.
func DefaultSession() SessionConfig {
	return SessionConfig{
		Model:           "gpt-4.1-mini",
		ContextLimit:    8192,
		MaxOutputTokens: 500,
		Temperature:     1.0,
		TopP:            1.0,
		AIPrefix:        "Assistant: ",
	}
}

// LoadSession reads a YAML profile over the defaults. An empty path returns
// the defaults unchanged.
func LoadSession(path string) (SessionConfig, error) {
	cfg := DefaultSession()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading profile: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing profile %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the budget arithmetic and the transformer names.
func (c SessionConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("profile: model must be set")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("profile: context_limit must be positive, got %d", c.ContextLimit)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("profile: max_tokens must be positive, got %d", c.MaxOutputTokens)
	}
	if c.MaxOutputTokens >= c.ContextLimit {
		return fmt.Errorf("profile: max_tokens %d must be below context_limit %d",
			c.MaxOutputTokens, c.ContextLimit)
	}
	if _, err := transform.Chain(c.Transformations); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	return nil
}

// Params maps the profile onto the request parameters for the model
// endpoint.
func (c SessionConfig) Params() llm.Params {
	return llm.Params{
		Model:            c.Model,
		MaxTokens:        c.MaxOutputTokens,
		Temperature:      c.Temperature,
		TopP:             c.TopP,
		N:                c.N,
		Stop:             c.Stop,
		PresencePenalty:  c.PresencePenalty,
		FrequencyPenalty: c.FrequencyPenalty,
	}
}
