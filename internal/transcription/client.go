// Package transcription turns one audio segment into one transcript by
// calling the configured STT provider with a bounded timeout.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/provider/stt"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultTimeout bounds a single transcription call.
const DefaultTimeout = 30 * time.Second

// Client transcribes audio segments. It is safe for concurrent use.
type Client struct {
	provider     stt.Provider
	providerName string
	language     string
	timeout      time.Duration
	metrics      *observe.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLanguage sets the source language asserted to the provider. Default "en".
// The code is normalised with [types.NormalizeLang]; malformed codes are
// ignored.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if l := types.NormalizeLang(lang); l != "" {
			c.language = l
		}
	}
}

// WithTimeout sets the per-call deadline. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(c *Client) { c.providerName = name }
}

// New returns a Client backed by p.
func New(p stt.Provider, opts ...Option) *Client {
	c := &Client{
		provider:     p,
		providerName: "stt",
		language:     "en",
		timeout:      DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Language returns the source language asserted on every call.
func (c *Client) Language() string { return c.language }

// Transcribe sends seg to the provider and returns the trimmed transcript.
//
// It returns [types.ErrEmptyPayload] without calling the provider when seg
// carries no bytes, [types.ErrEmptyTranscript] when the provider heard no
// speech, and an error wrapping [types.ErrUpstreamUnavailable] for any
// provider failure, including the timeout.
func (c *Client) Transcribe(ctx context.Context, seg types.AudioSegment) (types.Transcript, error) {
	if len(seg.Data) == 0 {
		return types.Transcript{}, types.ErrEmptyPayload
	}

	ctx, span := observe.StartSpan(ctx, "transcription.Transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("stt.provider", c.providerName),
		attribute.Int("audio.bytes", len(seg.Data)),
	)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	contentType := seg.ContentType
	if contentType == "" {
		contentType = types.DefaultContentType
	}

	start := time.Now()
	text, err := c.provider.Transcribe(callCtx, stt.Request{
		Audio:       seg.Data,
		ContentType: contentType,
		Filename:    seg.Filename,
		Language:    c.language,
	})
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.providerName, observe.KindSTT, "error")
		c.metrics.RecordProviderError(ctx, c.providerName, observe.KindSTT)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		if !errors.Is(err, types.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
		}
		return types.Transcript{}, fmt.Errorf("transcription: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, c.providerName, observe.KindSTT, "ok")

	text = strings.TrimSpace(text)
	if text == "" {
		return types.Transcript{}, types.ErrEmptyTranscript
	}
	span.SetAttributes(attribute.Int("transcript.chars", len(text)))

	return types.Transcript{Text: text, Language: c.language}, nil
}
