package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hallveticapro/live-translation/internal/fanout"
	"github.com/hallveticapro/live-translation/internal/ingest"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/internal/room"
	"github.com/hallveticapro/live-translation/internal/transcription"
	"github.com/hallveticapro/live-translation/internal/translation"
	sttmock "github.com/hallveticapro/live-translation/pkg/provider/stt/mock"
	translatemock "github.com/hallveticapro/live-translation/pkg/provider/translate/mock"
	"github.com/hallveticapro/live-translation/pkg/types"
)

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

type fakeEngine struct {
	mu   sync.Mutex
	segs []types.AudioSegment
	err  error
}

func (f *fakeEngine) Handle(_ context.Context, seg types.AudioSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segs = append(f.segs, seg)
	return f.err
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segs)
}

type part struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disp := fmt.Sprintf(`form-data; name=%q`, p.field)
		if p.filename != "" {
			disp += fmt.Sprintf(`; filename=%q`, p.filename)
		}
		h.Set("Content-Disposition", disp)
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, h http.Handler, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, parts...)
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestUpload_OK(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	h := ingest.New(eng, ingest.WithMetrics(testMetrics(t)))

	rec := post(t, h,
		part{field: "note", data: []byte("ignored")},
		part{field: "file", filename: "seg.webm", contentType: "audio/webm;codecs=opus", data: []byte("webmdata")},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body := decode(t, rec); body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	if eng.count() != 1 {
		t.Fatalf("engine calls = %d", eng.count())
	}
	seg := eng.segs[0]
	if string(seg.Data) != "webmdata" || seg.Filename != "seg.webm" || seg.ContentType != "audio/webm;codecs=opus" {
		t.Fatalf("segment = %+v", seg)
	}
}

func TestUpload_DefaultsContentTypeAndFilename(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	h := ingest.New(eng, ingest.WithMetrics(testMetrics(t)))

	rec := post(t, h, part{field: "file", contentType: "application/octet-stream", data: []byte{1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	seg := eng.segs[0]
	if seg.ContentType != types.DefaultContentType || seg.Filename != "audio.webm" {
		t.Fatalf("segment = %+v", seg)
	}
}

func TestUpload_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		parts  []part
		status int
	}{
		{name: "empty file", parts: []part{{field: "file", filename: "a.webm"}}, status: http.StatusBadRequest},
		{name: "missing file part", parts: []part{{field: "audio", data: []byte("x")}}, status: http.StatusBadRequest},
		{name: "too large", parts: []part{{field: "file", data: bytes.Repeat([]byte("a"), 2048)}}, status: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := &fakeEngine{}
			h := ingest.New(eng, ingest.WithMetrics(testMetrics(t)), ingest.WithMaxSegmentBytes(1024))
			rec := post(t, h, tt.parts...)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if body := decode(t, rec); body["error"] == "" || body["error"] == nil {
				t.Fatalf("body = %v, want an error message", body)
			}
			if eng.count() != 0 {
				t.Fatalf("engine called %d times", eng.count())
			}
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	h := ingest.New(eng, ingest.WithMetrics(testMetrics(t)))

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUpload_EngineErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "upstream", err: fmt.Errorf("transcription: %w", types.ErrUpstreamUnavailable), status: http.StatusBadGateway},
		{name: "malformed upstream", err: types.ErrMalformedUpstreamResponse, status: http.StatusBadGateway},
		{name: "closed", err: fanout.ErrClosed, status: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := ingest.New(&fakeEngine{err: tt.err}, ingest.WithMetrics(testMetrics(t)))
			rec := post(t, h, part{field: "file", data: []byte("x")})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestUpload_RateLimited(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	h := ingest.New(eng, ingest.WithMetrics(testMetrics(t)), ingest.WithRateLimit(1, 1))

	if rec := post(t, h, part{field: "file", data: []byte("x")}); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := post(t, h, part{field: "file", data: []byte("x")}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if eng.count() != 1 {
		t.Fatalf("engine calls = %d", eng.count())
	}
}

func TestRegister_RoutesPost(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	ingest.New(&fakeEngine{}, ingest.WithMetrics(testMetrics(t))).Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/transcribe", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
}

// An empty segment is rejected before any upstream call and no listener sees
// a caption.
func TestUpload_EmptySegmentDeliversNothing(t *testing.T) {
	t.Parallel()
	m := testMetrics(t)
	reg := room.NewRegistry(room.WithMetrics(m))
	b := room.NewBroadcaster(reg, room.WithBroadcasterMetrics(m))
	sttp := &sttmock.Provider{Text: "should not be called"}
	tp := &translatemock.Provider{}
	eng := fanout.New(
		transcription.New(sttp, transcription.WithMetrics(m)),
		translation.New(tp, translation.WithMetrics(m)),
		b, fanout.WithMetrics(m), fanout.WithTargets("es"),
	)
	sub := reg.Connect()
	_ = reg.Select(sub.ID(), "en")

	rec := post(t, ingest.New(eng, ingest.WithMetrics(m)), part{field: "file", filename: "a.webm"})
	_ = eng.Close(context.Background())
	_ = b.Close()

	if rec.Code < 400 || rec.Code >= 500 {
		t.Fatalf("status = %d, want 4xx", rec.Code)
	}
	if sttp.CallCount() != 0 || tp.CallCount() != 0 {
		t.Fatalf("upstream calls stt=%d translate=%d", sttp.CallCount(), tp.CallCount())
	}
	select {
	case c := <-sub.Captions():
		t.Fatalf("listener received %+v", c)
	default:
	}
}
