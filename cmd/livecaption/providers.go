package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/hallveticapro/live-translation/internal/config"
	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	"github.com/hallveticapro/live-translation/pkg/provider/stt/deepgram"
	sttoai "github.com/hallveticapro/live-translation/pkg/provider/stt/openai"
	"github.com/hallveticapro/live-translation/pkg/provider/stt/whisper"
	"github.com/hallveticapro/live-translation/pkg/provider/translate"
	"github.com/hallveticapro/live-translation/pkg/provider/translate/anyllm"
	troai "github.com/hallveticapro/live-translation/pkg/provider/translate/openai"
)

// groqBaseURL is Groq's OpenAI-compatible endpoint.
const groqBaseURL = "https://api.groq.com/openai/v1"

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		return sttoai.New(entry.APIKey, entry.Model, openAISTTOptions(entry, "")...)
	})

	// groq speaks the OpenAI transcription API at its own base URL.
	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Provider, error) {
		model := entry.Model
		if model == "" {
			model = "whisper-large-v3"
		}
		return sttoai.New(entry.APIKey, model, openAISTTOptions(entry, groqBaseURL)...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Translate ─────────────────────────────────────────────────────────────

	reg.RegisterTranslate("openai", func(entry config.ProviderEntry) (translate.Provider, error) {
		var opts []troai.Option
		if entry.BaseURL != "" {
			opts = append(opts, troai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, troai.WithOrganization(org))
		}
		if t := optFloat(entry.Options, "temperature"); t > 0 {
			opts = append(opts, troai.WithTemperature(t))
		}
		if n := optInt(entry.Options, "max_tokens"); n > 0 {
			opts = append(opts, troai.WithMaxTokens(n))
		}
		return troai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL. ollama is a
	// local server and only ever sets BaseURL.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterTranslate(backend, func(entry config.ProviderEntry) (translate.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && backend != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(backend, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p.WithSampling(optFloat(entry.Options, "temperature"), optInt(entry.Options, "max_tokens")), nil
		})
	}

	for _, kind := range []string{"stt", "translate"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func openAISTTOptions(entry config.ProviderEntry, defaultBaseURL string) []sttoai.Option {
	var opts []sttoai.Option
	switch {
	case entry.BaseURL != "":
		opts = append(opts, sttoai.WithBaseURL(entry.BaseURL))
	case defaultBaseURL != "":
		opts = append(opts, sttoai.WithBaseURL(defaultBaseURL))
	}
	if lang := optString(entry.Options, "language"); lang != "" {
		opts = append(opts, sttoai.WithLanguage(lang))
	}
	if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
		opts = append(opts, sttoai.WithTimeout(d))
	}
	return opts
}
