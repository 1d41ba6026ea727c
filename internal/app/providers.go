package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hallveticapro/live-translation/internal/config"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/internal/resilience"
)

// BuildProviders instantiates the configured STT and translation providers
// from reg. Each slot is wrapped in a resilience fallback so that every
// provider gets its own circuit breaker and configured fallbacks are tried
// in order. Breaker transitions are logged and counted on m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   cfg.Providers.CircuitBreaker.MaxFailures,
			ResetTimeout:  cfg.Providers.CircuitBreaker.ResetTimeout,
			HalfOpenMax:   cfg.Providers.CircuitBreaker.HalfOpenMax,
			OnStateChange: breakerObserver(m),
		},
	}

	p := &Providers{}

	if entry := cfg.Providers.STT; entry.Name != "" {
		primary, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create stt provider %q: %w", entry.Name, err)
		}
		group := resilience.NewSTTFallback(primary, entry.Name, fbCfg)
		for i, fb := range cfg.Providers.STTFallbacks {
			sp, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create stt fallback %d %q: %w", i, fb.Name, err)
			}
			group.AddFallback(fallbackName(fb.Name, i), sp)
		}
		p.STT, p.STTName = group, entry.Name
	}

	if entry := cfg.Providers.Translate; entry.Name != "" {
		primary, err := reg.CreateTranslate(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create translate provider %q: %w", entry.Name, err)
		}
		group := resilience.NewTranslateFallback(primary, entry.Name, fbCfg)
		for i, fb := range cfg.Providers.TranslateFallbacks {
			tp, err := reg.CreateTranslate(fb)
			if err != nil {
				return nil, fmt.Errorf("app: create translate fallback %d %q: %w", i, fb.Name, err)
			}
			group.AddFallback(fallbackName(fb.Name, i), tp)
		}
		p.Translate, p.TranslateName = group, entry.Name
	}

	return p, nil
}

// fallbackName keeps breaker names unique when the same provider is listed
// as primary and fallback with different endpoints.
func fallbackName(name string, i int) string {
	return fmt.Sprintf("%s#%d", name, i+1)
}

func breakerObserver(m *observe.Metrics) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		level := slog.LevelInfo
		if to == resilience.StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"provider", name, "from", from.String(), "to", to.String())
		m.RecordBreakerTransition(context.Background(), name, to.String())
	}
}
