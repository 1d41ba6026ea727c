// Package config provides the configuration schema, loader, and provider
// registry for the live caption server.
package config

import "time"

// LogLevel controls log verbosity.
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

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr           = ":3000"
	DefaultSourceLanguage       = "en"
	DefaultTranscriptionTimeout = 30 * time.Second
	DefaultTranslationTimeout   = 10 * time.Second
	DefaultRetryBackoff         = 500 * time.Millisecond
	DefaultListenerQueueSize    = 64
	DefaultBroadcastBuffer      = 256
	DefaultMaxSegmentBytes      = 25 << 20
	DefaultShutdownTimeout      = 15 * time.Second
)

// DefaultTargetLanguages are used when no target language is configured.
var DefaultTargetLanguages = []string{"es", "pt"}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Captions  CaptionsConfig  `yaml:"captions"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	// Browsers only grant microphone access to the speaker page over HTTPS.
	TLS *TLSConfig `yaml:"tls"`

	// CORSOrigins lists origins allowed to call the HTTP API and open the
	// caption channel. "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CaptionsConfig controls the caption pipeline.
type CaptionsConfig struct {
	// SourceLanguage is the language the speaker is asserted to use.
	SourceLanguage string `yaml:"source_language"`

	// TargetLanguages is the ordered list of translation targets.
	// Hot-reloadable.
	TargetLanguages []string `yaml:"target_languages"`

	// DefaultListenerLanguage subscribes listeners that connect without
	// choosing a language. Empty leaves them unselected until they do.
	DefaultListenerLanguage string `yaml:"default_listener_language"`

	// AllowDirectPublish enables the publishCaption event, which broadcasts a
	// caption to every listener regardless of language.
	AllowDirectPublish bool `yaml:"allow_direct_publish"`

	TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`
	TranslationTimeout   time.Duration `yaml:"translation_timeout"`

	// TranslationRetries is the number of extra attempts per language after a
	// failed translation call. 0 means a failed language is skipped.
	TranslationRetries int `yaml:"translation_retries"`

	// RetryBackoff is the wait before the first retry; it doubles after each.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// TranslationRateLimit caps translation calls per minute across all
	// languages. 0 disables limiting.
	TranslationRateLimit int `yaml:"translation_rate_limit_per_min"`

	// MaxParallelTranslations caps concurrent translation calls per segment.
	// 0 means one call per target language at once.
	MaxParallelTranslations int `yaml:"max_parallel_translations"`

	// ListenerQueueSize is the per-listener caption buffer. A listener that
	// falls this far behind is disconnected.
	ListenerQueueSize int `yaml:"listener_queue_size"`

	// BroadcastBuffer is the capacity of the queue between the fan-out engine
	// and the dispatcher.
	BroadcastBuffer int `yaml:"broadcast_buffer"`
}

// IngestConfig controls the segment upload endpoint.
type IngestConfig struct {
	// MaxSegmentBytes rejects larger uploads with 413.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`

	// RateLimitPerMin caps accepted uploads per minute. 0 disables limiting.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`

	// Burst is the token bucket size used with RateLimitPerMin.
	Burst int `yaml:"burst"`
}

// ProvidersConfig declares which provider implementation serves each
// upstream call. Each entry selects a named provider registered in the
// [Registry]; fallbacks are tried in order when the primary fails or its
// circuit breaker is open.
type ProvidersConfig struct {
	STT                ProviderEntry        `yaml:"stt"`
	STTFallbacks       []ProviderEntry      `yaml:"stt_fallbacks"`
	Translate          ProviderEntry        `yaml:"translate"`
	TranslateFallbacks []ProviderEntry      `yaml:"translate_fallbacks"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-provider breakers. Zero values use the
// breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "groq").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Use ${ENV_VAR} to keep it out of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "whisper-large-v3", "llama-3.1-8b-instant").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}
