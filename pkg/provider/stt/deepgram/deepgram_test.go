package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.Request{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "smart_format", "true", q.Get("smart_format"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.Request{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
}

func TestBuildURL_LanguageOverridenByRequest(t *testing.T) {
	// req.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.Request{Language: "fr-FR"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Transcript(t *testing.T) {
	raw := []byte(`{
		"metadata": {"request_id": "abc"},
		"results": {
			"channels": [{
				"alternatives": [{
					"transcript": "Hello world",
					"confidence": 0.95
				}]
			}]
		}
	}`)

	text, err := parseDeepgramResponse(raw)
	if err != nil {
		t.Fatalf("parseDeepgramResponse: %v", err)
	}
	assertEqual(t, "text", "Hello world", text)
}

func TestParseDeepgramResponse_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"results":{"channels":[{"alternatives":[]}]}}`)
	text, err := parseDeepgramResponse(raw)
	if err != nil {
		t.Fatalf("expected no error for empty alternatives, got %v", err)
	}
	assertEqual(t, "text", "", text)
}

func TestParseDeepgramResponse_MissingResults(t *testing.T) {
	_, err := parseDeepgramResponse([]byte(`{"metadata":{}}`))
	if !errors.Is(err, types.ErrMalformedUpstreamResponse) {
		t.Errorf("err = %v, want ErrMalformedUpstreamResponse", err)
	}
}

func TestParseDeepgramResponse_InvalidJSON(t *testing.T) {
	_, err := parseDeepgramResponse([]byte(`{invalid`))
	if !errors.Is(err, types.ErrMalformedUpstreamResponse) {
		t.Errorf("err = %v, want ErrMalformedUpstreamResponse", err)
	}
}

// ---- HTTP round-trip tests ----

func TestTranscribe_PostsRawAudio(t *testing.T) {
	var (
		gotAuth, gotCT string
		gotBody        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"good morning"}]}]}}`)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("secret", WithBaseURL(srv.URL))
	text, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("webm-bytes")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "text", "good morning", text)
	assertEqual(t, "auth", "Token secret", gotAuth)
	assertEqual(t, "content-type", types.DefaultContentType, gotCT)
	assertEqual(t, "body", "webm-bytes", string(gotBody))
}

func TestTranscribe_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"err_msg":"bad key"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("secret", WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("x")})
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
