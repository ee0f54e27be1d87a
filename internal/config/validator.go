package config

import (
	"fmt"
	"strings"
)

// Validator checks configuration values before the engine starts.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the whole config and returns the first problem found.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if cfg.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be non-negative, got %d", cfg.Storage.BusyTimeoutMS)
	}
	if cfg.Storage.MaxConns < 0 {
		return fmt.Errorf("max conns must be non-negative, got %d", cfg.Storage.MaxConns)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Embedding.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Embedding.APIKey); err != nil {
			return err
		}
		if err := v.ValidateDimension(cfg.Embedding.Dimension); err != nil {
			return err
		}
	}
	if cfg.Documents.ChunkMaxSize < 0 || cfg.Documents.ChunkOverlap < 0 {
		return fmt.Errorf("chunk size and overlap must be non-negative")
	}
	if cfg.Documents.ChunkOverlap >= cfg.Documents.ChunkMaxSize && cfg.Documents.ChunkMaxSize > 0 {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d",
			cfg.Documents.ChunkOverlap, cfg.Documents.ChunkMaxSize)
	}
	if cfg.Retention.EpisodicTTLHours < 0 {
		return fmt.Errorf("episodic TTL must be non-negative, got %d", cfg.Retention.EpisodicTTLHours)
	}
	return nil
}

// ValidateAPIKey checks the OpenAI key format.
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateDimension checks the embedding dimension.
func (v *Validator) ValidateDimension(dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	if dim > 8192 {
		return fmt.Errorf("embedding dimension too large (max 8192), got %d", dim)
	}
	return nil
}

// ValidateLogLevel checks the log level.
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
