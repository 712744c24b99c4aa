package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, expands `${VAR}`
// environment references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg, err := LoadFromReader(bytes.NewReader([]byte(expanded)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transport.APIKey == "" {
		errs = append(errs, errors.New("transport.api_key is required"))
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if cfg.LLM.ModelID == "" {
		errs = append(errs, errors.New("llm.model_id is required"))
	}
	if cfg.LLM.ContextTurns < 1 {
		errs = append(errs, fmt.Errorf("llm.context_turns %d must be at least 1", cfg.LLM.ContextTurns))
	}
	if cfg.LLM.TurnTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("llm.turn_timeout_seconds %d must be at least 1", cfg.LLM.TurnTimeoutSeconds))
	}

	if !cfg.Search.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("search.backend %q is invalid; valid values: pgvector, mcp", cfg.Search.Backend))
	} else {
		switch cfg.Search.Backend {
		case SearchMCP:
			if cfg.Search.Endpoint == "" {
				errs = append(errs, errors.New("search.endpoint is required when search.backend is mcp"))
			}
		case SearchPgvector:
			if cfg.Search.PostgresDSN == "" {
				errs = append(errs, errors.New("search.postgres_dsn is required when search.backend is pgvector"))
			}
			if cfg.Search.EmbeddingDimensions <= 0 {
				errs = append(errs, fmt.Errorf("search.embedding_dimensions %d must be positive", cfg.Search.EmbeddingDimensions))
			}
		}
	}

	if cfg.Session.ConnectTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout_seconds %d must not be negative", cfg.Session.ConnectTimeoutSeconds))
	}
	if cfg.Session.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout_seconds %d must not be negative", cfg.Session.IdleTimeoutSeconds))
	}
	if cfg.Session.TransportGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.transport_grace_seconds %d must not be negative", cfg.Session.TransportGraceSeconds))
	}
	if cfg.Journal.RetentionEntries < 1 {
		errs = append(errs, fmt.Errorf("journal.retention_entries %d must be at least 1", cfg.Journal.RetentionEntries))
	}

	return errors.Join(errs...)
}
