// Package config provides the configuration schema and loader for the
// ReelTalk orchestrator.
//
// Configuration is loaded once at startup from a YAML file and treated as
// immutable afterwards. `${VAR}` references in the file are expanded from the
// environment before decoding, so API keys can stay out of the file itself.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SearchBackend selects the clip search implementation.
type SearchBackend string

const (
	// SearchPgvector queries a local pgvector clip index directly.
	SearchPgvector SearchBackend = "pgvector"

	// SearchMCP calls a remote clip-search tool server over MCP.
	SearchMCP SearchBackend = "mcp"
)

// IsValid reports whether b is a recognised search backend.
func (b SearchBackend) IsValid() bool {
	return b == SearchPgvector || b == SearchMCP
}

// Config is the root configuration structure, loaded with [Load] or
// [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	LLM        LLMConfig        `yaml:"llm"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Search     SearchConfig     `yaml:"search"`
	Session    SessionConfig    `yaml:"session"`
	Journal    JournalConfig    `yaml:"journal"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP facade listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig configures the WebRTC room provider.
type TransportConfig struct {
	// APIURL overrides the provider's REST endpoint. Empty uses the default.
	APIURL string `yaml:"api_url"`

	// APIKey authenticates against the room provider. Required.
	APIKey string `yaml:"api_key"`

	// Domain is the provider subdomain used for room URLs and the event
	// socket.
	Domain string `yaml:"domain"`
}

// LLMConfig configures the tool-calling language model.
type LLMConfig struct {
	// Provider is the any-llm provider name (openai, anthropic, gemini, …).
	Provider string `yaml:"provider"`

	// APIKey authenticates against the model API. Required.
	APIKey string `yaml:"api_key"`

	// ModelID selects the model (e.g., "gpt-4o"). Required.
	ModelID string `yaml:"model_id"`

	// ContextTurns bounds the conversation history per session.
	ContextTurns int `yaml:"context_turns"`

	// TurnTimeoutSeconds bounds a single completion call.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
}

// TranscribeConfig configures the streaming speech-to-text provider.
type TranscribeConfig struct {
	// Provider names the STT backend. Only "deepgram" is built in.
	Provider string `yaml:"provider"`

	// APIKey authenticates against the STT API.
	APIKey string `yaml:"api_key"`

	// Language is the BCP 47 recognition hint (e.g., "en").
	Language string `yaml:"language"`
}

// SearchConfig configures the clip search backend.
type SearchConfig struct {
	// Backend selects pgvector or mcp.
	Backend SearchBackend `yaml:"backend"`

	// Endpoint is the MCP tool server URL (mcp backend).
	Endpoint string `yaml:"endpoint"`

	// PostgresDSN is the clip index connection string (pgvector backend).
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingAPIKey authenticates the embeddings provider (pgvector
	// backend). Falls back to llm.api_key when empty.
	EmbeddingAPIKey string `yaml:"embedding_api_key"`

	// EmbeddingModel selects the embeddings model. Empty uses the
	// provider's default.
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDimensions is the clip embedding vector width.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// TimeoutSeconds bounds a single search call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SessionConfig holds the lifecycle deadlines enforced by the reaper.
type SessionConfig struct {
	// ConnectTimeoutSeconds bounds how long a session waits for the first
	// participant.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// IdleTimeoutSeconds bounds how long an active session may sit without
	// activity.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// TransportGraceSeconds bounds how long a degraded session waits for
	// the transport to recover.
	TransportGraceSeconds int `yaml:"transport_grace_seconds"`
}

// JournalConfig configures the per-session status journal.
type JournalConfig struct {
	// RetentionEntries is how many observations each session retains.
	RetentionEntries int `yaml:"retention_entries"`
}

// Defaults applied by [applyDefaults] after decoding.
const (
	DefaultListenAddr            = ":8080"
	DefaultContextTurns          = 12
	DefaultTurnTimeoutSeconds    = 30
	DefaultSearchTimeoutSeconds  = 5
	DefaultConnectTimeoutSeconds = 120
	DefaultIdleTimeoutSeconds    = 60
	DefaultTransportGraceSeconds = 15
	DefaultRetentionEntries      = 1000
	DefaultEmbeddingDimensions   = 1536
)

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.ContextTurns == 0 {
		cfg.LLM.ContextTurns = DefaultContextTurns
	}
	if cfg.LLM.TurnTimeoutSeconds == 0 {
		cfg.LLM.TurnTimeoutSeconds = DefaultTurnTimeoutSeconds
	}
	if cfg.Transcribe.Provider == "" {
		cfg.Transcribe.Provider = "deepgram"
	}
	if cfg.Search.Backend == "" {
		cfg.Search.Backend = SearchMCP
	}
	if cfg.Search.TimeoutSeconds == 0 {
		cfg.Search.TimeoutSeconds = DefaultSearchTimeoutSeconds
	}
	if cfg.Search.EmbeddingDimensions == 0 {
		cfg.Search.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Session.ConnectTimeoutSeconds == 0 {
		cfg.Session.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
	}
	if cfg.Session.IdleTimeoutSeconds == 0 {
		cfg.Session.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}
	if cfg.Session.TransportGraceSeconds == 0 {
		cfg.Session.TransportGraceSeconds = DefaultTransportGraceSeconds
	}
	if cfg.Journal.RetentionEntries == 0 {
		cfg.Journal.RetentionEntries = DefaultRetentionEntries
	}
}

// TurnTimeout returns llm.turn_timeout_seconds as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.LLM.TurnTimeoutSeconds) * time.Second
}

// SearchTimeout returns search.timeout_seconds as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

// ConnectTimeout returns session.connect_timeout_seconds as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Session.ConnectTimeoutSeconds) * time.Second
}

// IdleTimeout returns session.idle_timeout_seconds as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSeconds) * time.Second
}

// TransportGrace returns session.transport_grace_seconds as a duration.
func (c *Config) TransportGrace() time.Duration {
	return time.Duration(c.Session.TransportGraceSeconds) * time.Second
}
