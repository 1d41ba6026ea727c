// Package translation translates one transcript into one target language,
// applying the caption post-filter to whatever the provider returns.
package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/provider/translate"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// Defaults for a Client.
const (
	DefaultTimeout = 10 * time.Second
	DefaultBackoff = 500 * time.Millisecond
)

// Client translates caption text. It is safe for concurrent use.
type Client struct {
	provider     translate.Provider
	providerName string
	source       string
	timeout      time.Duration
	retries      int
	backoff      time.Duration
	limiter      *rate.Limiter
	metrics      *observe.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithSourceLanguage sets the language the input text is asserted to be in.
func WithSourceLanguage(lang string) Option {
	return func(c *Client) { c.source = lang }
}

// WithTimeout sets the deadline of each provider attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry enables up to n additional attempts after a failed call, waiting
// backoff, 2*backoff, 4*backoff... between them. n = 0 disables retry.
func WithRetry(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithRateLimit caps provider calls at perMinute requests per minute shared by
// every target language. Zero disables limiting.
func WithRateLimit(perMinute, burst int) Option {
	return func(c *Client) {
		if perMinute <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
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
func New(p translate.Provider, opts ...Option) *Client {
	c := &Client{
		provider:     p,
		providerName: "translate",
		source:       "en",
		timeout:      DefaultTimeout,
		backoff:      DefaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Translate returns text rendered in targetLang after post-filtering.
//
// Blank text yields the sentinel "-" without a provider call. Provider
// failures, including timeouts, are returned wrapping
// [types.ErrUpstreamUnavailable] once the retry budget is spent.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.EmptySentinel, nil
	}

	ctx, span := observe.StartSpan(ctx, "translation.Translate")
	defer span.End()
	span.SetAttributes(
		attribute.String("translate.provider", c.providerName),
		attribute.String("translate.target", targetLang),
	)

	req := translate.Request{Text: text, SourceLang: c.source, TargetLang: targetLang}
	langAttr := metric.WithAttributes(attribute.String("lang", targetLang))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << uint(attempt-1)
			slog.Warn("translation failed, retrying",
				"lang", targetLang,
				"attempt", attempt,
				"backoff", wait,
				"err", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", c.fail(span, fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, ctx.Err()))
			case <-timer.C:
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", c.fail(span, fmt.Errorf("%w: rate limiter: %w", types.ErrUpstreamUnavailable, err))
			}
		}

		start := time.Now()
		raw, err := c.attempt(ctx, req)
		c.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds(), langAttr)
		if err == nil {
			c.metrics.RecordProviderRequest(ctx, c.providerName, observe.KindTranslate, "ok")
			return Clean(raw), nil
		}

		c.metrics.RecordProviderRequest(ctx, c.providerName, observe.KindTranslate, "error")
		c.metrics.RecordProviderError(ctx, c.providerName, observe.KindTranslate)
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}

	if !errors.Is(lastErr, types.ErrUpstreamUnavailable) {
		lastErr = fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, lastErr)
	}
	return "", c.fail(span, lastErr)
}

func (c *Client) attempt(ctx context.Context, req translate.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.provider.Translate(callCtx, req)
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "translation failed")
	return fmt.Errorf("translation: %w", err)
}
