// Package fanout drives one audio segment through transcription and a
// concurrent per-language translation fan-out, publishing every resulting
// caption to the broadcaster.
//
// Handle returns as soon as the source-language caption is published. The
// translations continue in the background under the engine's own lifetime,
// so a client that disconnects after uploading does not cancel captions
// other listeners are waiting for. Close waits for that background work.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultPublishTimeout bounds how long a caption may wait for room in the
// broadcaster queue.
const DefaultPublishTimeout = 5 * time.Second

// ErrClosed is returned by Handle and Publish after Close has been called.
var ErrClosed = errors.New("fanout: engine closed")

// Transcriber turns a segment into text. Implemented by transcription.Client.
type Transcriber interface {
	Transcribe(ctx context.Context, seg types.AudioSegment) (types.Transcript, error)
}

// Translator renders text in one target language. Implemented by
// translation.Client.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Publisher hands captions to listeners. Implemented by room.Broadcaster.
type Publisher interface {
	Publish(ctx context.Context, lang string, c types.Caption) error
	PublishAll(ctx context.Context, c types.Caption) error
}

// Engine is the caption fan-out engine. It is safe for concurrent use;
// segments are handled independently of each other.
type Engine struct {
	stt Transcriber
	tr  Translator
	pub Publisher

	metrics        *observe.Metrics
	publishTimeout time.Duration
	maxParallel    int
	now            func() time.Time
	newID          func() string

	mu      sync.RWMutex
	targets []string
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithTargets sets the initial target languages.
func WithTargets(langs ...string) Option {
	return func(e *Engine) { e.targets = normalizeTargets(langs) }
}

// WithMaxParallel caps concurrent translation calls per segment. Zero means
// one goroutine per target language.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithPublishTimeout overrides [DefaultPublishTimeout].
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the caption timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the correlation id source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New returns an Engine. Call Close to wait for background translations.
func New(stt Transcriber, tr Translator, pub Publisher, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		stt:            stt,
		tr:             tr,
		pub:            pub,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Targets returns a copy of the current target languages.
func (e *Engine) Targets() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.targets)
}

// SetTargets replaces the target languages. Segments already being fanned
// out keep the list they started with.
func (e *Engine) SetTargets(langs []string) {
	t := normalizeTargets(langs)
	e.mu.Lock()
	e.targets = t
	e.mu.Unlock()
	slog.Info("target languages updated", "targets", t)
}

// Handle transcribes seg, publishes the source caption and starts the
// translation fan-out.
//
// A segment in which no speech was detected is not an error: Handle returns
// nil and nothing is published. Transcription failures are returned and
// nothing is published. Translation failures are never returned; each target
// language succeeds or fails on its own.
func (e *Engine) Handle(ctx context.Context, seg types.AudioSegment) error {
	if e.isClosed() {
		return ErrClosed
	}

	ctx, span := observe.StartSpan(ctx, "fanout.Handle")
	defer span.End()

	tr, err := e.stt.Transcribe(ctx, seg)
	if errors.Is(err, types.ErrEmptyTranscript) {
		slog.Debug("no speech detected in segment", "bytes", len(seg.Data))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return err
	}

	base := e.newID()
	ts := e.now().UnixMilli()
	span.SetAttributes(attribute.String("caption.base_id", base))

	src := types.Caption{
		ID:        base + "-" + tr.Language,
		Text:      tr.Text,
		Lang:      tr.Language,
		Timestamp: ts,
	}
	if err := e.publish(src); err != nil {
		span.RecordError(err)
		return fmt.Errorf("fanout: publish source caption: %w", err)
	}

	targets := slices.DeleteFunc(e.Targets(), func(l string) bool { return l == tr.Language })
	if len(targets) == 0 {
		return nil
	}
	if e.tr == nil {
		slog.Warn("target languages configured without a translator", "targets", targets)
		return nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	e.metrics.InflightFanouts.Add(ctx, 1)
	go func() {
		defer e.wg.Done()
		defer e.metrics.InflightFanouts.Add(context.Background(), -1)
		e.fanout(base, ts, tr.Text, targets)
	}()
	return nil
}

// Publish delivers a caption supplied directly by a publisher to every
// connected listener. A missing id or timestamp is filled in.
func (e *Engine) Publish(ctx context.Context, c types.Caption) (types.Caption, error) {
	if e.isClosed() {
		return types.Caption{}, ErrClosed
	}
	if c.Timestamp == 0 {
		c.Timestamp = e.now().UnixMilli()
	}
	if c.ID == "" {
		c.ID = e.newID()
		if c.Lang != "" {
			c.ID += "-" + c.Lang
		}
	}
	pctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	if err := e.pub.PublishAll(pctx, c); err != nil {
		return types.Caption{}, fmt.Errorf("fanout: publish: %w", err)
	}
	return c, nil
}

// Close stops accepting segments and waits for in-flight fan-outs. If ctx
// expires first, outstanding translations are canceled and ctx.Err() is
// returned once they have unwound.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) fanout(base string, ts int64, text string, targets []string) {
	ctx, span := observe.StartSpan(e.ctx, "fanout.translate")
	defer span.End()
	span.SetAttributes(
		attribute.String("caption.base_id", base),
		attribute.StringSlice("caption.targets", targets),
	)

	g := new(errgroup.Group)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, lang := range targets {
		g.Go(func() error {
			out, err := e.tr.Translate(ctx, text, lang)
			if err != nil {
				slog.Warn("translation failed", "lang", lang, "base_id", base, "err", err)
				e.metrics.RecordCaptionDropped(ctx, "translation_failed")
				return nil
			}
			c := types.Caption{ID: base + "-" + lang, Text: out, Lang: lang, Timestamp: ts}
			if err := e.publish(c); err != nil {
				slog.Warn("caption publish failed", "lang", lang, "base_id", base, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) publish(c types.Caption) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.publishTimeout)
	defer cancel()
	return e.pub.Publish(ctx, c.Lang, c)
}

func normalizeTargets(langs []string) []string {
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = types.NormalizeLang(l)
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}
