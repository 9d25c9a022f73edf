// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client configuration.
type Config struct {
	ServerURL string

	SampleRate int
	FrameSize  int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	FallbackMargin time.Duration

	BargeInRMS    float64
	BargeInFrames int

	TokenSecret string
}

// Load reads configuration from a .env file (if present) and environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:      getEnv("VOXWIRE_SERVER_URL", "ws://localhost:8080"),
		SampleRate:     getEnvInt("VOXWIRE_SAMPLE_RATE", 16000),
		FrameSize:      getEnvInt("VOXWIRE_FRAME_SIZE", 4096),
		BackoffBase:    getEnvDuration("VOXWIRE_BACKOFF_BASE", time.Second),
		BackoffMax:     getEnvDuration("VOXWIRE_BACKOFF_MAX", 10*time.Second),
		FallbackMargin: getEnvDuration("VOXWIRE_FALLBACK_MARGIN", 250*time.Millisecond),
		BargeInRMS:     getEnvFloat("VOXWIRE_BARGE_IN_RMS", 500),
		BargeInFrames:  getEnvInt("VOXWIRE_BARGE_IN_FRAMES", 3),
		TokenSecret:    getEnv("VOXWIRE_TOKEN_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("VOXWIRE_SERVER_URL cannot be empty")
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("VOXWIRE_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("VOXWIRE_FRAME_SIZE must be > 0")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff delays must satisfy 0 < base <= max")
	}
	if c.BargeInFrames <= 0 {
		return fmt.Errorf("VOXWIRE_BARGE_IN_FRAMES must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
