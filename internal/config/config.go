// Package config loads Reflex's environment-variable configuration.
// It follows the same getEnv-with-default shape the kernel's main command
// used, but promotes unparseable numeric values to a startup error instead
// of silently falling back to the default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/reflexcache/reflex/internal/reflexerr"
)

// Config holds the recognized REFLEX_* environment keys (spec.md §6).
type Config struct {
	Port               uint16
	BindAddr           string
	QdrantURL          string
	StoragePath        string
	L1Capacity         uint64
	ModelPath          string // empty => stub embedder
	RerankerPath       string // empty => no reranker configured
	RerankerThreshold  float32
	MockProvider       bool
	MaxConcurrentLoads int
}

// Load reads configuration from the process environment. Any present but
// unparseable numeric value is a startup error (ConfigInvalid) — silent
// fallback to the default is a defect per spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           getEnv("REFLEX_BIND_ADDR", "127.0.0.1"),
		QdrantURL:          getEnv("REFLEX_QDRANT_URL", "http://localhost:6333"),
		StoragePath:        getEnv("REFLEX_STORAGE_PATH", "./.data"),
		ModelPath:          os.Getenv("REFLEX_MODEL_PATH"),
		RerankerPath:       os.Getenv("REFLEX_RERANKER_PATH"),
		MaxConcurrentLoads: 8,
	}

	port, err := parseUint16("REFLEX_PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	l1cap, err := parseUint64("REFLEX_L1_CAPACITY", 10000)
	if err != nil {
		return Config{}, err
	}
	cfg.L1Capacity = l1cap

	threshold, err := parseFloat32("REFLEX_RERANKER_THRESHOLD", 0.70)
	if err != nil {
		return Config{}, err
	}
	if threshold < 0 || threshold > 1 {
		return Config{}, reflexerr.New(reflexerr.ConfigInvalid, "config.Load",
			fmt.Errorf("REFLEX_RERANKER_THRESHOLD must be in [0,1], got %v", threshold))
	}
	cfg.RerankerThreshold = threshold

	cfg.MockProvider = os.Getenv("REFLEX_MOCK_PROVIDER") != ""

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseUint16(key string, defaultVal uint16) (uint16, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, reflexerr.New(reflexerr.ConfigInvalid, "config.Load",
			fmt.Errorf("%s=%q is not a valid u16: %w", key, raw, err))
	}
	return uint16(v), nil
}

func parseUint64(key string, defaultVal uint64) (uint64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, reflexerr.New(reflexerr.ConfigInvalid, "config.Load",
			fmt.Errorf("%s=%q is not a valid u64: %w", key, raw, err))
	}
	return v, nil
}

func parseFloat32(key string, defaultVal float32) (float32, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, reflexerr.New(reflexerr.ConfigInvalid, "config.Load",
			fmt.Errorf("%s=%q is not a valid f32: %w", key, raw, err))
	}
	return float32(v), nil
}
