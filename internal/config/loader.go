package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/reverie-ai/reverie/internal/retrieval"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Stores
	if cfg.Stores.Backend != "" && !cfg.Stores.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("stores.backend %q is invalid; valid values: postgres, chromem", cfg.Stores.Backend))
	}
	if cfg.Stores.Backend != BackendChromem && cfg.Stores.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("stores.postgres_dsn is required for the postgres backend"))
	}
	if cfg.Stores.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("stores.embedding_dimensions must not be negative"))
	}
	if cfg.Stores.EmbeddingDimensions == 0 {
		slog.Warn("stores.embedding_dimensions is not set; defaulting to 384")
	}
	if cfg.Stores.Backend == BackendChromem {
		slog.Warn("stores.backend is chromem; snippets will not survive a restart")
	}

	// Bus
	if cfg.Bus.Workers < 0 {
		errs = append(errs, fmt.Errorf("bus.workers must not be negative"))
	}
	if cfg.Bus.MaxDeliveries < 0 {
		errs = append(errs, fmt.Errorf("bus.max_deliveries must not be negative"))
	}
	if cfg.Bus.RedisAddr == "" {
		slog.Warn("bus.redis_addr is empty; extraction is disabled and no new memories will be written")
	} else if cfg.Providers.LLM.Name == "" {
		slog.Warn("bus is configured but providers.llm is not; extraction workers cannot derive facts")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, fmt.Errorf("providers.embeddings.name is required; retrieval and extraction both embed text"))
	}

	// Memory pipeline tuning
	if cfg.Memory.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("memory.chunk_size must not be negative"))
	}
	if cfg.Memory.MaxFacts < 0 || cfg.Memory.MaxFacts > retrieval.MaxFactsCeiling {
		errs = append(errs, fmt.Errorf("memory.max_facts %d is out of range [0, %d]", cfg.Memory.MaxFacts, retrieval.MaxFactsCeiling))
	}
	if cfg.Memory.MaxSnippets < 0 || cfg.Memory.MaxSnippets > retrieval.MaxSnippetsCeiling {
		errs = append(errs, fmt.Errorf("memory.max_snippets %d is out of range [0, %d]", cfg.Memory.MaxSnippets, retrieval.MaxSnippetsCeiling))
	}
	if cfg.Memory.SubQueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("memory.subquery_timeout must not be negative"))
	}

	// Retention
	if cfg.Retention.MaxSnippetAge < 0 {
		errs = append(errs, fmt.Errorf("retention.max_snippet_age must not be negative"))
	}
	if cfg.Retention.MaxSnippetsPerTenant < 0 {
		errs = append(errs, fmt.Errorf("retention.max_snippets_per_tenant must not be negative"))
	}
	if cfg.Retention.Schedule != "" && cfg.Retention.MaxSnippetAge == 0 && cfg.Retention.MaxSnippetsPerTenant == 0 {
		slog.Warn("retention.schedule is set but no thresholds are configured; the job will do nothing")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
