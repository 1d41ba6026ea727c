// Package app wires all caption server subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock providers through [Providers] and an isolated
// meter through [WithMetrics]. Handler exposes the complete route set so
// tests can drive it with httptest without binding a port.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hallveticapro/live-translation/internal/config"
	"github.com/hallveticapro/live-translation/internal/fanout"
	"github.com/hallveticapro/live-translation/internal/health"
	"github.com/hallveticapro/live-translation/internal/ingest"
	"github.com/hallveticapro/live-translation/internal/listener"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/internal/resilience"
	"github.com/hallveticapro/live-translation/internal/room"
	"github.com/hallveticapro/live-translation/internal/transcription"
	"github.com/hallveticapro/live-translation/internal/translation"
	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	"github.com/hallveticapro/live-translation/pkg/provider/translate"
)

// Providers holds one interface value per upstream slot. Translate may be
// nil when no target language is configured. Populated by [BuildProviders]
// or directly by tests.
type Providers struct {
	STT           stt.Provider
	STTName       string
	Translate     translate.Provider
	TranslateName string
}

// breakerGroup is implemented by the resilience fallbacks.
type breakerGroup interface {
	Healthy() bool
	States() map[string]resilience.State
}

// App owns all subsystem lifetimes and orchestrates the caption pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	listener       net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	registry    *room.Registry
	broadcaster *room.Broadcaster
	engine      *fanout.Engine
	handler     http.Handler
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the instruments used by every subsystem. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets hot reload adjust the process log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener makes Run serve on l instead of binding cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (see [BuildProviders]).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}
	if providers.Translate == nil && len(cfg.Captions.TargetLanguages) > 0 {
		return nil, errors.New("app: target languages are configured but no translation provider is")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Room ──────────────────────────────────────────────────────────
	a.registry = room.NewRegistry(
		room.WithQueueSize(cfg.Captions.ListenerQueueSize),
		room.WithMetrics(a.metrics),
	)
	a.broadcaster = room.NewBroadcaster(a.registry,
		room.WithBufferSize(cfg.Captions.BroadcastBuffer),
		room.WithBroadcasterMetrics(a.metrics),
	)

	// ── 2. Pipeline ──────────────────────────────────────────────────────
	a.engine = fanout.New(a.newTranscriber(), a.newTranslator(), a.broadcaster,
		fanout.WithTargets(cfg.Captions.TargetLanguages...),
		fanout.WithMaxParallel(cfg.Captions.MaxParallelTranslations),
		fanout.WithMetrics(a.metrics),
	)

	// ── 3. HTTP ──────────────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	// Stop accepting requests, let in-flight fan-outs finish, flush the
	// broadcaster, then close every listener session.
	a.closers = append(a.closers,
		a.server.Shutdown,
		a.engine.Close,
		func(context.Context) error { return a.broadcaster.Close() },
		func(context.Context) error { a.registry.Close(); return nil },
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) newTranscriber() *transcription.Client {
	c := a.cfg.Captions
	return transcription.New(a.providers.STT,
		transcription.WithLanguage(c.SourceLanguage),
		transcription.WithTimeout(c.TranscriptionTimeout),
		transcription.WithProviderName(a.providers.STTName),
		transcription.WithMetrics(a.metrics),
	)
}

func (a *App) newTranslator() fanout.Translator {
	if a.providers.Translate == nil {
		return nil
	}
	c := a.cfg.Captions
	return translation.New(a.providers.Translate,
		translation.WithSourceLanguage(c.SourceLanguage),
		translation.WithTimeout(c.TranslationTimeout),
		translation.WithRetry(c.TranslationRetries, c.RetryBackoff),
		translation.WithRateLimit(c.TranslationRateLimit, c.MaxParallelTranslations),
		translation.WithProviderName(a.providers.TranslateName),
		translation.WithMetrics(a.metrics),
	)
}

// routes builds the complete route set behind the shared middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	ingest.New(a.engine,
		ingest.WithMaxSegmentBytes(a.cfg.Ingest.MaxSegmentBytes),
		ingest.WithRateLimit(a.cfg.Ingest.RateLimitPerMin, a.cfg.Ingest.Burst),
		ingest.WithMetrics(a.metrics),
	).Register(mux)

	lopts := []listener.Option{
		listener.WithDefaultLanguage(a.cfg.Captions.DefaultListenerLanguage),
		listener.WithOriginPatterns(originPatterns(a.cfg.Server.CORSOrigins)...),
	}
	if a.cfg.Captions.AllowDirectPublish {
		lopts = append(lopts, listener.WithPublisher(a.engine))
	}
	listener.NewServer(a.registry, lopts...).Register(mux)

	health.New(a.checkers()...).Register(mux)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	return observe.Middleware(a.metrics)(cors(a.cfg.Server.CORSOrigins, mux))
}

// checkers returns the readiness checks for the running pipeline.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		health.Flag("broadcaster", "dispatcher stopped", a.broadcaster.Running),
	}
	if g, ok := a.providers.STT.(breakerGroup); ok {
		checks = append(checks, health.Breakers("stt", g.Healthy, stateNames(g)))
	}
	if g, ok := a.providers.Translate.(breakerGroup); ok {
		checks = append(checks, health.Breakers("translate", g.Healthy, stateNames(g)))
	}
	return checks
}

func stateNames(g breakerGroup) func() map[string]string {
	return func() map[string]string {
		out := make(map[string]string)
		for name, s := range g.States() {
			out[name] = s.String()
		}
		return out
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the application's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the listener registry.
func (a *App) Registry() *room.Registry { return a.registry }

// Engine returns the caption fan-out engine.
func (a *App) Engine() *fanout.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It does not
// tear anything down; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"source", a.cfg.Captions.SourceLanguage,
		"targets", a.engine.Targets(),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a configuration change. It is
// shaped to serve as a [config.Watcher] callback.
func (a *App) Reload(_, _ *config.Config, d config.ConfigDiff) {
	if d.TargetsChanged {
		a.engine.SetTargets(d.NewTargets)
		slog.Info("target languages updated", "targets", a.engine.Targets())
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = err
				}
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// stats is the /api/stats response body.
type stats struct {
	Source    string        `json:"source"`
	Targets   []string      `json:"targets"`
	Listeners room.Snapshot `json:"listeners"`
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stats{
		Source:    a.cfg.Captions.SourceLanguage,
		Targets:   a.engine.Targets(),
		Listeners: a.registry.Snapshot(),
	})
}

// originPatterns converts CORS origins into host patterns for the WebSocket
// origin check, which compares hosts rather than full origins.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, o)
	}
	return out
}

// cors allows browser pages served from another origin to post segments and
// read stats.
func cors(origins []string, next http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
		case anyOrigin:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
