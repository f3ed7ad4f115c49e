package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the environment-driven settings the server depends on
type Config struct {
	// Addr is the HTTP listen address
	Addr string
	// DataDir is the directory holding per-session databases and profiles
	DataDir string
	// MaxConcurrent bounds how many sessions may be open at once
	MaxConcurrent int
	// EngineImage is the browser engine container image
	EngineImage string
	// UseEngine controls whether sessions launch a real browser engine
	UseEngine bool
	// Debug enables debug-level logging
	Debug bool
}

// Load reads configuration from environment variables, applying defaults.
// Call godotenv.Load before this to pick up a .env file.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          envOr("BROWSERTRACE_ADDR", ":8080"),
		DataDir:       envOr("BROWSERTRACE_DATA_DIR", "./storage/sessions"),
		MaxConcurrent: 10,
		EngineImage:   envOr("BROWSERTRACE_ENGINE_IMAGE", "browserless/chrome:latest"),
		UseEngine:     os.Getenv("BROWSERTRACE_NO_ENGINE") == "",
		Debug:         os.Getenv("BROWSERTRACE_DEBUG") != "",
	}

	if v := os.Getenv("BROWSERTRACE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BROWSERTRACE_MAX_CONCURRENT %q: %w", v, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("BROWSERTRACE_MAX_CONCURRENT must be at least 1, got %d", n)
		}
		cfg.MaxConcurrent = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
