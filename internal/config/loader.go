package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hallveticapro/live-translation/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"openai", "groq", "whisper", "deepgram"},
	"translate": {"openai", "groq", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. ${VAR} references in the file are expanded
// from the environment before parsing.
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

// LoadFromReader expands environment references in the YAML read from r,
// decodes it, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := expandEnv(string(raw), os.LookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// providers selected.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// expandEnv replaces ${VAR} and $VAR with values from lookup. Unset
// variables expand to "". "$$" yields a literal "$".
func expandEnv(s string, lookup func(string) (string, bool)) string {
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		v, _ := lookup(name)
		return v
	})
}

// ApplyDefaults fills zero-valued fields with their defaults and normalises
// language codes.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	c := &cfg.Captions
	if c.SourceLanguage == "" {
		c.SourceLanguage = DefaultSourceLanguage
	} else {
		c.SourceLanguage = strings.ToLower(strings.TrimSpace(c.SourceLanguage))
	}
	if c.TargetLanguages == nil {
		c.TargetLanguages = slices.Clone(DefaultTargetLanguages)
	} else {
		c.TargetLanguages = normalizeLangs(c.TargetLanguages)
	}
	if c.DefaultListenerLanguage != "" {
		c.DefaultListenerLanguage = strings.ToLower(strings.TrimSpace(c.DefaultListenerLanguage))
	}
	if c.TranscriptionTimeout <= 0 {
		c.TranscriptionTimeout = DefaultTranscriptionTimeout
	}
	if c.TranslationTimeout <= 0 {
		c.TranslationTimeout = DefaultTranslationTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.ListenerQueueSize <= 0 {
		c.ListenerQueueSize = DefaultListenerQueueSize
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = DefaultBroadcastBuffer
	}

	if cfg.Ingest.MaxSegmentBytes <= 0 {
		cfg.Ingest.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
}

// ApplyEnv applies the environment overrides understood by the server:
//
//	PORT          listen port, overrides server.listen_addr
//	TARGET_LANGS  comma-separated target languages
//	CERTS_DIR     directory holding localhost.pem and localhost-key.pem
//
// Values are read through lookup so tests can inject them.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimSpace(port)
	}
	if langs, ok := lookup("TARGET_LANGS"); ok && strings.TrimSpace(langs) != "" {
		cfg.Captions.TargetLanguages = normalizeLangs(strings.Split(langs, ","))
	}
	if dir, ok := lookup("CERTS_DIR"); ok && strings.TrimSpace(dir) != "" && cfg.Server.TLS == nil {
		cfg.Server.TLS = &TLSConfig{
			CertFile: filepath.Join(dir, "localhost.pem"),
			KeyFile:  filepath.Join(dir, "localhost-key.pem"),
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Captions
	c := cfg.Captions
	if c.SourceLanguage != "" && types.NormalizeLang(c.SourceLanguage) == "" {
		errs = append(errs, fmt.Errorf("captions.source_language %q is not a language code", c.SourceLanguage))
	}
	for i, l := range c.TargetLanguages {
		if types.NormalizeLang(l) == "" {
			errs = append(errs, fmt.Errorf("captions.target_languages[%d] %q is not a language code", i, l))
		}
	}
	if c.DefaultListenerLanguage != "" && types.NormalizeLang(c.DefaultListenerLanguage) == "" {
		errs = append(errs, fmt.Errorf("captions.default_listener_language %q is not a language code", c.DefaultListenerLanguage))
	}
	if c.TranslationRetries < 0 {
		errs = append(errs, fmt.Errorf("captions.translation_retries %d must not be negative", c.TranslationRetries))
	}
	if c.MaxParallelTranslations < 0 {
		errs = append(errs, fmt.Errorf("captions.max_parallel_translations %d must not be negative", c.MaxParallelTranslations))
	}
	if c.TranslationRateLimit < 0 {
		errs = append(errs, fmt.Errorf("captions.translation_rate_limit_per_min %d must not be negative", c.TranslationRateLimit))
	}

	// Ingest
	if cfg.Ingest.RateLimitPerMin < 0 || cfg.Ingest.Burst < 0 {
		errs = append(errs, errors.New("ingest.rate_limit_per_min and ingest.burst must not be negative"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.TranslateFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.translate_fallbacks[%d].name is required", i))
		}
		validateProviderName("translate", fb.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	if cfg.Providers.Translate.Name == "" && len(cfg.Providers.TranslateFallbacks) > 0 {
		errs = append(errs, errors.New("providers.translate_fallbacks requires providers.translate"))
	}

	return errors.Join(errs...)
}

// RequireProviders reports an error when a provider needed to serve
// captions is not configured. [Validate] accepts such configs so that the
// validate command can check partial files.
func RequireProviders(cfg *Config) error {
	var errs []error
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is not configured"))
	}
	if cfg.Providers.Translate.Name == "" && len(cfg.Captions.TargetLanguages) > 0 {
		errs = append(errs, errors.New("providers.translate is not configured but captions.target_languages is not empty"))
	}
	return errors.Join(errs...)
}

func normalizeLangs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
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
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// decodeBytes is LoadFromReader over an in-memory file.
func decodeBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
