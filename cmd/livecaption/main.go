// Command livecaption runs the live caption translation server and its
// companion tools.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hallveticapro/live-translation/internal/app"
	"github.com/hallveticapro/live-translation/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "livecaption",
		Short: "Live speech captions translated for every listener",
		Long: `livecaption accepts short audio segments from a speaker, transcribes them,
translates the text into each configured target language and pushes every
caption to the listeners subscribed to that language.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringP("config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCmd(), newValidateCmd(), newPublishCmd())
	return root
}

// loadConfig reads the file named by --config and applies environment
// overrides. A missing file at the default path is not an error: the server
// then runs on defaults plus the environment, matching a bare deployment with
// only GROQ_API_KEY set.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
		applyEnvProviders(cfg, os.LookupEnv)
		path = ""
	case errors.Is(err, os.ErrNotExist):
		return nil, path, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	default:
		return nil, path, err
	}

	config.ApplyEnv(cfg, os.LookupEnv)
	if err := config.Validate(cfg); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Defaults used when the server runs without a config file.
const (
	envSTTModel       = "whisper-large-v3"
	envTranslateModel = "llama-3.1-8b-instant"
)

// applyEnvProviders selects Groq for both upstream slots when GROQ_API_KEY is
// set and no provider is configured.
func applyEnvProviders(cfg *config.Config, lookup func(string) (string, bool)) {
	key, ok := lookup("GROQ_API_KEY")
	if !ok || key == "" {
		return
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT = config.ProviderEntry{Name: "groq", APIKey: key, Model: envSTTModel}
	}
	if cfg.Providers.Translate.Name == "" {
		cfg.Providers.Translate = config.ProviderEntry{Name: "groq", APIKey: key, Model: envTranslateModel}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level follows lv, so that
// hot reload can change verbosity.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, path string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      livecaption : startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	if path == "" {
		path = "(environment)"
	}
	printRow("Config", path)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Translate", cfg.Providers.Translate.Name, cfg.Providers.Translate.Model)
	printRow("Fallbacks", fmt.Sprintf("%d stt, %d tr", len(cfg.Providers.STTFallbacks), len(cfg.Providers.TranslateFallbacks)))
	printRow("Source lang", cfg.Captions.SourceLanguage)
	printRow("Target langs", fmt.Sprint(cfg.Captions.TargetLanguages))
	if cfg.Captions.AllowDirectPublish {
		printRow("Direct publish", "enabled")
	} else {
		printRow("Direct publish", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// integers as int and decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optInt extracts an integer value from a provider Options map.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
