package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config is the process-level configuration read from the environment.
type Config struct {
	OpenAIAPIKey   string
	OpenAIEndpoint string
	// TokenCountURL is an optional remote tokenize endpoint used as the
	// fallback counting strategy.
	TokenCountURL string
	// HistoryBackend selects snapshot storage: "bolt" (default) or "file".
	HistoryBackend string
	DataDir        string
	Port           string
}

func Load() (*Config, error) {
	// .env is optional — env vars may already be set (e.g. in production)
	_ = godotenv.Load()

	cfg := &Config{
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint: os.Getenv("OPENAI_ENDPOINT"),
		TokenCountURL:  os.Getenv("TOKEN_COUNT_URL"),
		HistoryBackend: os.Getenv("HISTORY_BACKEND"),
		DataDir:        os.Getenv("DATA_DIR"),
		Port:           os.Getenv("PORT"),
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	switch cfg.HistoryBackend {
	case "":
		cfg.HistoryBackend = "bolt"
	case "bolt", "file":
	default:
		return nil, fmt.Errorf("unknown HISTORY_BACKEND %q (want bolt or file)", cfg.HistoryBackend)
	}

	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("required env var OPENAI_API_KEY is not set")
	}

	return cfg, nil
}
