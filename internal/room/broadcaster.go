package room

import (
	"context"
	"errors"
	"sync"

	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultBufferSize is the capacity of the channel between publishers and
// the dispatcher.
const DefaultBufferSize = 256

// ErrBroadcasterClosed is returned by Publish after Close.
var ErrBroadcasterClosed = errors.New("room: broadcaster closed")

type envelope struct {
	lang    string
	all     bool
	caption types.Caption
}

// Broadcaster decouples caption producers from listener delivery. Publishers
// hand captions to a bounded channel; one dispatcher goroutine drains it into
// the [Registry], so captions for one language reach listeners in the order
// they were published.
type Broadcaster struct {
	reg     *Registry
	metrics *observe.Metrics
	ch      chan envelope
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*broadcasterOptions)

type broadcasterOptions struct {
	bufferSize int
	metrics    *observe.Metrics
}

// WithBufferSize sets the dispatcher channel capacity.
func WithBufferSize(n int) BroadcasterOption {
	return func(o *broadcasterOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithBroadcasterMetrics overrides the metrics sink.
func WithBroadcasterMetrics(m *observe.Metrics) BroadcasterOption {
	return func(o *broadcasterOptions) { o.metrics = m }
}

// NewBroadcaster starts a dispatcher delivering into reg. Call Close to stop it.
func NewBroadcaster(reg *Registry, opts ...BroadcasterOption) *Broadcaster {
	o := broadcasterOptions{bufferSize: DefaultBufferSize}
	for _, fn := range opts {
		fn(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	b := &Broadcaster{
		reg:     reg,
		metrics: o.metrics,
		ch:      make(chan envelope, o.bufferSize),
		stopped: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish queues c for the listeners subscribed to lang. It blocks while the
// dispatcher channel is full, until ctx is done.
func (b *Broadcaster) Publish(ctx context.Context, lang string, c types.Caption) error {
	return b.enqueue(ctx, envelope{lang: lang, caption: c})
}

// PublishAll queues c for every connected listener.
func (b *Broadcaster) PublishAll(ctx context.Context, c types.Caption) error {
	return b.enqueue(ctx, envelope{all: true, caption: c})
}

func (b *Broadcaster) enqueue(ctx context.Context, env envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBroadcasterClosed
	}
	select {
	case b.ch <- env:
		b.metrics.RecordCaptionPublished(ctx, env.caption.Lang)
		return nil
	case <-ctx.Done():
		b.metrics.RecordCaptionDropped(context.WithoutCancel(ctx), "publish_timeout")
		return ctx.Err()
	}
}

// Running reports whether the dispatcher is still accepting captions.
func (b *Broadcaster) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops accepting captions, delivers what is already queued and waits
// for the dispatcher to exit. It is idempotent.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()
	<-b.stopped
	return nil
}

func (b *Broadcaster) dispatch() {
	defer close(b.stopped)
	for env := range b.ch {
		if env.all {
			b.reg.DeliverAll(env.caption)
			continue
		}
		b.reg.Deliver(env.lang, env.caption)
	}
}
