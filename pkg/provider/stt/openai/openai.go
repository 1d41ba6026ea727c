// Package openai provides an STT provider backed by any OpenAI-compatible
// /audio/transcriptions endpoint: OpenAI itself, Groq, or a self-hosted
// faster-whisper server.
//
// Usage:
//
//	p, err := openai.New(apiKey, "whisper-large-v3",
//	    openai.WithBaseURL("https://api.groq.com/openai/v1"),
//	)
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultModel is used when New is called with an empty model.
const DefaultModel = "whisper-1"

const providerName = "openai"

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI audio transcription API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

type config struct {
	baseURL  string
	language string
	timeout  time.Duration
	client   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Set it to
// "https://api.groq.com/openai/v1" to use Groq.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the language hint used when a request carries none.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// New constructs a transcription Provider. If model is empty, DefaultModel
// is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are owned by the caller's resilience layer.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.client != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.client))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	filename := req.Filename
	if filename == "" {
		filename = "chunk.webm"
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = types.DefaultContentType
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(req.Audio), filename, contentType),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			stt.LogResponse(providerName, apiErr.StatusCode, []byte(apiErr.RawJSON()))
			return "", fmt.Errorf("openai stt: HTTP %d: %w", apiErr.StatusCode, types.ErrUpstreamUnavailable)
		}
		return "", fmt.Errorf("openai stt: transcribe: %w: %w", types.ErrUpstreamUnavailable, err)
	}
	stt.LogResponse(providerName, http.StatusOK, []byte(resp.RawJSON()))
	return resp.Text, nil
}
