// Package room tracks connected caption listeners and routes each caption to
// exactly the sessions subscribed to its language.
//
// The [Registry] is the single owner of session state. Transports hold only a
// [Subscription] handle: they read captions from it and report language
// selection and disconnects back through the registry. Delivery never blocks
// and never performs network I/O; each session has a bounded queue drained by
// its transport, and a session whose queue is full is evicted.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultQueueSize is the per-session caption buffer.
const DefaultQueueSize = 64

var (
	// ErrUnknownSession is returned for operations on a session id that is not
	// connected, including one that was already evicted.
	ErrUnknownSession = errors.New("room: unknown session")

	// ErrInvalidLanguage is returned by Select for a blank or malformed code.
	ErrInvalidLanguage = errors.New("room: invalid language code")
)

// State is the lifecycle state of a listener session.
type State int

const (
	// StateUnselected is a connected session that has not chosen a language.
	// It receives no captions.
	StateUnselected State = iota

	// StateSubscribed is a session in exactly one language group.
	StateSubscribed

	// StateDisconnected is terminal. The session is no longer in the registry.
	StateDisconnected
)

// String returns a human-readable label for s.
func (s State) String() string {
	switch s {
	case StateUnselected:
		return "unselected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Subscription is a transport's handle on one registered session.
type Subscription struct {
	id    string
	queue chan types.Caption
	done  chan struct{}
	once  sync.Once
}

// ID returns the session identifier.
func (s *Subscription) ID() string { return s.id }

// Captions returns the session's delivery queue. It is never closed; select
// on Done as well.
func (s *Subscription) Captions() <-chan types.Caption { return s.queue }

// Done is closed once the session leaves the registry, whether by Disconnect
// or by eviction.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() { s.once.Do(func() { close(s.done) }) }

type session struct {
	sub   *Subscription
	state State
	lang  string
}

// Snapshot is a point-in-time view of registry membership.
type Snapshot struct {
	Total      int            `json:"total"`
	Unselected int            `json:"unselected"`
	Languages  map[string]int `json:"languages"`
}

// Registry maps listener sessions to language groups.
//
// A single mutex guards both membership changes and delivery enumeration, so
// a Select that races with a Deliver is observed entirely before or entirely
// after it: a switching session never receives a caption for both languages
// or for neither from the same delivery.
type Registry struct {
	queueSize int
	metrics   *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	groups   map[string]map[string]*session
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-session caption buffer. Values below 1 keep the
// default.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		queueSize: DefaultQueueSize,
		sessions:  make(map[string]*session),
		groups:    make(map[string]map[string]*session),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Connect registers a new session in the Unselected state.
func (r *Registry) Connect() *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		queue: make(chan types.Caption, r.queueSize),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sub.id] = &session{sub: sub, state: StateUnselected}
	r.mu.Unlock()

	r.metrics.ActiveListeners.Add(context.Background(), 1)
	slog.Debug("listener connected", "session", sub.id)
	return sub
}

// Select moves the session into the group for lang, leaving its previous
// group in the same critical section. Selecting the current language is a
// no-op. Captions already queued for the previous language are not recalled
// and no earlier captions of the new language are replayed.
func (r *Registry) Select(id, lang string) error {
	lang = types.NormalizeLang(lang)
	if lang == "" {
		return ErrInvalidLanguage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.state == StateSubscribed && s.lang == lang {
		return nil
	}
	r.leaveGroupLocked(s)

	group, ok := r.groups[lang]
	if !ok {
		group = make(map[string]*session)
		r.groups[lang] = group
	}
	group[id] = s
	s.state = StateSubscribed
	s.lang = lang

	slog.Debug("listener selected language", "session", id, "lang", lang)
	return nil
}

// Disconnect removes the session from the registry. It is idempotent.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	removed := r.removeLocked(id)
	r.mu.Unlock()

	if removed {
		r.metrics.ActiveListeners.Add(context.Background(), -1)
		slog.Debug("listener disconnected", "session", id)
	}
}

// Deliver enqueues c for every session subscribed to lang and returns the
// number of sessions it reached. Sessions whose queue is full are evicted.
func (r *Registry) Deliver(lang string, c types.Caption) int {
	lang = types.NormalizeLang(lang)

	r.mu.Lock()
	group := r.groups[lang]
	delivered, evicted := r.sendLocked(group, c)
	r.mu.Unlock()

	r.record(lang, delivered, evicted)
	return delivered
}

// DeliverAll enqueues c for every connected session regardless of language
// selection, Unselected sessions included.
func (r *Registry) DeliverAll(c types.Caption) int {
	r.mu.Lock()
	delivered, evicted := r.sendLocked(r.sessions, c)
	r.mu.Unlock()

	r.record(c.Lang, delivered, evicted)
	return delivered
}

// State reports the session's lifecycle state and selected language.
// Unknown ids report StateDisconnected.
func (r *Registry) State(id string) (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return StateDisconnected, ""
	}
	return s.state, s.lang
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current group sizes.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Total:     len(r.sessions),
		Languages: make(map[string]int, len(r.groups)),
	}
	for lang, group := range r.groups {
		snap.Languages[lang] = len(group)
	}
	for _, s := range r.sessions {
		if s.state == StateUnselected {
			snap.Unselected++
		}
	}
	return snap
}

// Languages returns the languages with at least one subscriber, sorted.
func (r *Registry) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.groups))
	for lang := range r.groups {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	if n := len(ids); n > 0 {
		r.metrics.ActiveListeners.Add(context.Background(), int64(-n))
	}
}

// sendLocked performs a non-blocking enqueue to every session in targets and
// evicts the ones that could not accept the caption. r.mu must be held.
func (r *Registry) sendLocked(targets map[string]*session, c types.Caption) (delivered, evicted int) {
	var full []string
	for id, s := range targets {
		select {
		case s.sub.queue <- c:
			delivered++
		default:
			full = append(full, id)
		}
	}
	for _, id := range full {
		if r.removeLocked(id) {
			evicted++
			slog.Warn("listener evicted, send queue full", "session", id, "lang", c.Lang)
		}
	}
	return delivered, evicted
}

func (r *Registry) record(lang string, delivered, evicted int) {
	ctx := context.Background()
	if delivered > 0 {
		r.metrics.CaptionsDelivered.Add(ctx, int64(delivered),
			metric.WithAttributes(attribute.String("lang", lang)))
	}
	if evicted > 0 {
		r.metrics.ListenerEvictions.Add(ctx, int64(evicted))
		r.metrics.CaptionsDropped.Add(ctx, int64(evicted),
			metric.WithAttributes(attribute.String("reason", "queue_full")))
		r.metrics.ActiveListeners.Add(ctx, int64(-evicted))
	}
}

// removeLocked drops the session from every index and closes its Done
// channel. It reports whether the session was present. r.mu must be held.
func (r *Registry) removeLocked(id string) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	r.leaveGroupLocked(s)
	delete(r.sessions, id)
	s.state = StateDisconnected
	s.sub.close()
	return true
}

func (r *Registry) leaveGroupLocked(s *session) {
	if s.state != StateSubscribed {
		return
	}
	if group, ok := r.groups[s.lang]; ok {
		delete(group, s.sub.id)
		if len(group) == 0 {
			delete(r.groups, s.lang)
		}
	}
	s.lang = ""
	s.state = StateUnselected
}
