package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hallveticapro/live-translation/internal/app"
	"github.com/hallveticapro/live-translation/internal/config"
	"github.com/hallveticapro/live-translation/internal/listener"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	sttmock "github.com/hallveticapro/live-translation/pkg/provider/stt/mock"
	"github.com/hallveticapro/live-translation/pkg/provider/translate"
	translatemock "github.com/hallveticapro/live-translation/pkg/provider/translate/mock"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig returns the default config: source en, targets es and pt.
func testConfig() *config.Config {
	return config.Default()
}

func testProviders(text string) (*app.Providers, *sttmock.Provider, *translatemock.Provider) {
	s := &sttmock.Provider{Text: text}
	tr := &translatemock.Provider{Responses: map[string]string{
		"es": "hola",
		"pt": "olá [informal]",
	}}
	return &app.Providers{STT: s, STTName: "mock", Translate: tr, TranslateName: "mock"}, s, tr
}

type harness struct {
	app *app.App
	srv *httptest.Server
	stt *sttmock.Provider
	tr  *translatemock.Provider
}

func newHarness(t *testing.T, cfg *config.Config, opts ...app.Option) *harness {
	t.Helper()
	providers, s, tr := testProviders("hello there")
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return &harness{app: a, srv: srv, stt: s, tr: tr}
}

func (h *harness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
}

func (h *harness) dial(t *testing.T, query string) *listener.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := listener.Dial(ctx, h.wsURL(query))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) postSegment(t *testing.T, audio []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "segment.webm")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(audio)
	_ = mw.Close()

	resp, err := http.Post(h.srv.URL+"/api/transcribe", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func next(t *testing.T, c *listener.Client) types.Caption {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return got
}

// ── pipeline ─────────────────────────────────────────────────────────────────

func TestApp_SegmentReachesEachLanguage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	en := h.dial(t, "?lang=en")
	es := h.dial(t, "?lang=es")
	pt := h.dial(t, "?lang=pt")
	waitFor(t, "three listeners", func() bool { return h.app.Registry().Snapshot().Total == 3 })

	resp := h.postSegment(t, []byte("opus-bytes"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ok map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil || !ok["ok"] {
		t.Fatalf("body = %v (err %v)", ok, err)
	}

	gotEN, gotES, gotPT := next(t, en), next(t, es), next(t, pt)
	if gotEN.Text != "hello there" || gotEN.Lang != "en" {
		t.Errorf("en caption = %+v", gotEN)
	}
	if gotES.Text != "hola" || gotES.Lang != "es" {
		t.Errorf("es caption = %+v", gotES)
	}
	if gotPT.Text != "olá" {
		t.Errorf("pt caption should be post-filtered, got %+v", gotPT)
	}
	if gotEN.BaseID() != gotES.BaseID() || gotES.BaseID() != gotPT.BaseID() {
		t.Errorf("captions do not share a base id: %s %s %s", gotEN.ID, gotES.ID, gotPT.ID)
	}
	if gotEN.Timestamp != gotES.Timestamp || gotES.Timestamp != gotPT.Timestamp {
		t.Errorf("captions do not share a timestamp")
	}

	if n := h.stt.CallCount(); n != 1 {
		t.Errorf("stt calls = %d, want 1", n)
	}
	if req := h.stt.Calls[0].Req; req.Language != "en" || req.Filename != "segment.webm" {
		t.Errorf("stt request = %+v", req)
	}
}

func TestApp_EmptySegmentIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	es := h.dial(t, "?lang=es")
	waitFor(t, "listener", func() bool { return h.app.Registry().Len() == 1 })

	resp := h.postSegment(t, nil)
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		t.Fatalf("status = %d, want 4xx", resp.StatusCode)
	}
	if n := h.stt.CallCount(); n != 0 {
		t.Errorf("stt calls = %d, want 0", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if c, err := es.Next(ctx); err == nil {
		t.Errorf("unexpected caption %+v", c)
	}
}

func TestApp_TranscriptionFailureIs5xx(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.stt.Err = types.ErrUpstreamUnavailable

	resp := h.postSegment(t, []byte("opus"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Errorf("error body = %v", body)
	}
}

func TestApp_DirectPublish(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Captions.AllowDirectPublish = true
	h := newHarness(t, cfg)

	es := h.dial(t, "?lang=es")
	idle := h.dial(t, "")
	waitFor(t, "two listeners", func() bool { return h.app.Registry().Len() == 2 })

	if err := idle.Publish(context.Background(), types.Caption{Text: "Welcome"}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*listener.Client{es, idle} {
		got := next(t, c)
		if got.Text != "Welcome" || got.ID == "" || got.Timestamp == 0 {
			t.Errorf("got %+v", got)
		}
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func TestApp_HealthAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.dial(t, "?lang=es")
	h.dial(t, "")
	waitFor(t, "two listeners", func() bool { return h.app.Registry().Len() == 2 })

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(h.srv.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats struct {
		Source    string   `json:"source"`
		Targets   []string `json:"targets"`
		Listeners struct {
			Total      int            `json:"total"`
			Unselected int            `json:"unselected"`
			Languages  map[string]int `json:"languages"`
		} `json:"listeners"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Source != "en" || strings.Join(stats.Targets, ",") != "es,pt" {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Listeners.Total != 2 || stats.Listeners.Unselected != 1 || stats.Listeners.Languages["es"] != 1 {
		t.Errorf("listeners = %+v", stats.Listeners)
	}
}

func TestApp_MetricsHandlerMounted(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "livecaption_up 1\n")
	})
	h := newHarness(t, testConfig(), app.WithMetricsHandler(metrics))

	resp, err := http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "livecaption_up") {
		t.Errorf("body = %q", body)
	}
}

func TestApp_CORS(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.CORSOrigins = []string{"https://speaker.example"}
	h := newHarness(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/transcribe", nil)
	req.Header.Set("Origin", "https://speaker.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://speaker.example" {
		t.Errorf("allow origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("expected error without STT provider")
	}
	p := &app.Providers{STT: &sttmock.Provider{}}
	if _, err := app.New(context.Background(), testConfig(), p); err == nil {
		t.Error("expected error for targets without translation provider")
	}

	cfg := testConfig()
	cfg.Captions.TargetLanguages = nil
	a, err := app.New(context.Background(), cfg, p, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("source-only config: %v", err)
	}
	_ = a.Shutdown(context.Background())
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	h := newHarness(t, testConfig(), app.WithLogLevel(&lv))

	old := testConfig()
	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Captions.TargetLanguages = []string{"fr"}
	h.app.Reload(old, updated, config.Diff(old, updated))

	if got := h.app.Engine().Targets(); strings.Join(got, ",") != "fr" {
		t.Errorf("targets = %v, want [fr]", got)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	providers, _, _ := testProviders("hi")
	a, err := app.New(context.Background(), testConfig(), providers,
		app.WithMetrics(testMetrics(t)), app.WithListener(ln))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, "server", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cl, err := listener.Dial(context.Background(), "ws://"+ln.Addr().String()+"/ws?lang=es")
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()
	waitFor(t, "listener", func() bool { return a.Registry().Len() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if n := a.Registry().Len(); n != 0 {
		t.Errorf("sessions after shutdown = %d", n)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("server still accepting requests after shutdown")
	}
}

// ── providers ────────────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: types.ErrUpstreamUnavailable}
	backup := &sttmock.Provider{Text: "from backup"}
	created := map[string]stt.Provider{"groq": primary, "whisper": backup}

	reg := config.NewRegistry()
	for name, p := range created {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return p, nil })
	}
	reg.RegisterTranslate("openai", func(config.ProviderEntry) (translate.Provider, error) {
		return &translatemock.Provider{}, nil
	})

	cfg := testConfig()
	cfg.Providers.STT = config.ProviderEntry{Name: "groq"}
	cfg.Providers.STTFallbacks = []config.ProviderEntry{{Name: "whisper"}}
	cfg.Providers.Translate = config.ProviderEntry{Name: "openai"}

	p, err := app.BuildProviders(cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.STTName != "groq" || p.TranslateName != "openai" {
		t.Errorf("names = %q %q", p.STTName, p.TranslateName)
	}

	text, err := p.STT.Transcribe(context.Background(), stt.Request{Audio: []byte("x")})
	if err != nil || text != "from backup" {
		t.Errorf("Transcribe = %q, %v; want fallback answer", text, err)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls primary=%d backup=%d", primary.CallCount(), backup.CallCount())
	}
}

func TestBuildProviders_UnknownName(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Providers.STT = config.ProviderEntry{Name: "nope"}
	_, err := app.BuildProviders(cfg, config.NewRegistry(), testMetrics(t))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
