package fanout_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hallveticapro/live-translation/internal/fanout"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/internal/room"
	"github.com/hallveticapro/live-translation/internal/transcription"
	"github.com/hallveticapro/live-translation/internal/translation"
	"github.com/hallveticapro/live-translation/pkg/provider/translate"
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

// recorder is a Publisher that keeps every caption.
type recorder struct {
	mu  sync.Mutex
	got []types.Caption
	all []types.Caption
	err error
}

func (r *recorder) Publish(_ context.Context, lang string, c types.Caption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if lang != c.Lang {
		panic("publish lang does not match caption lang")
	}
	r.got = append(r.got, c)
	return nil
}

func (r *recorder) PublishAll(_ context.Context, c types.Caption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, c)
	return nil
}

func (r *recorder) captions() []types.Caption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.got)
}

type fixedTranscriber struct {
	tr  types.Transcript
	err error
}

func (f fixedTranscriber) Transcribe(context.Context, types.AudioSegment) (types.Transcript, error) {
	return f.tr, f.err
}

type translatorFunc func(ctx context.Context, text, lang string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text, lang string) (string, error) {
	return f(ctx, text, lang)
}

func upper(_ context.Context, text, lang string) (string, error) {
	return strings.ToUpper(lang) + " " + text, nil
}

func newEngine(t *testing.T, stt fanout.Transcriber, tr fanout.Translator, pub fanout.Publisher, opts ...fanout.Option) *fanout.Engine {
	t.Helper()
	opts = append([]fanout.Option{
		fanout.WithMetrics(testMetrics(t)),
		fanout.WithIDGenerator(func() string { return "base" }),
		fanout.WithClock(func() time.Time { return time.UnixMilli(1700000000000) }),
	}, opts...)
	e := fanout.New(stt, tr, pub, opts...)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func segment() types.AudioSegment {
	return types.AudioSegment{Data: []byte("webm"), Filename: "chunk.webm"}
}

func TestHandle_PublishesSourceAndTranslations(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	e := newEngine(t,
		fixedTranscriber{tr: types.Transcript{Text: "hello there", Language: "en"}},
		translatorFunc(upper), pub,
		fanout.WithTargets("es", "pt"),
	)

	if err := e.Handle(context.Background(), segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := pub.captions()
	if len(got) != 3 {
		t.Fatalf("published %d captions, want 3: %v", len(got), got)
	}
	if got[0].Lang != "en" || got[0].Text != "hello there" {
		t.Errorf("first caption = %+v, want the source caption", got[0])
	}
	byLang := make(map[string]types.Caption)
	for _, c := range got {
		byLang[c.Lang] = c
		if c.Timestamp != 1700000000000 {
			t.Errorf("%s timestamp = %d", c.Lang, c.Timestamp)
		}
		if c.BaseID() != "base" || c.ID != "base-"+c.Lang {
			t.Errorf("%s id = %q", c.Lang, c.ID)
		}
	}
	if byLang["es"].Text != "ES hello there" || byLang["pt"].Text != "PT hello there" {
		t.Errorf("translations = %+v", byLang)
	}
}

func TestHandle_SkipsTargetEqualToSource(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var langs []string
	tr := translatorFunc(func(ctx context.Context, text, lang string) (string, error) {
		mu.Lock()
		langs = append(langs, lang)
		mu.Unlock()
		return text, nil
	})
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{tr: types.Transcript{Text: "hi", Language: "en"}}, tr, pub,
		fanout.WithTargets("en", "es", "ES"))

	_ = e.Handle(context.Background(), segment())
	_ = e.Close(context.Background())

	if len(langs) != 1 || langs[0] != "es" {
		t.Fatalf("translated into %v, want only es", langs)
	}
	if n := len(pub.captions()); n != 2 {
		t.Fatalf("published %d captions, want 2", n)
	}
}

func TestHandle_NoSpeechPublishesNothing(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{err: types.ErrEmptyTranscript}, translatorFunc(upper), pub,
		fanout.WithTargets("es"))

	if err := e.Handle(context.Background(), segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	_ = e.Close(context.Background())
	if n := len(pub.captions()); n != 0 {
		t.Fatalf("published %d captions", n)
	}
}

func TestHandle_TranscriptionFailureIsReturned(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	upstream := errors.Join(types.ErrUpstreamUnavailable, errors.New("502"))
	e := newEngine(t, fixedTranscriber{err: upstream}, translatorFunc(upper), pub,
		fanout.WithTargets("es"))

	err := e.Handle(context.Background(), segment())
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	_ = e.Close(context.Background())
	if n := len(pub.captions()); n != 0 {
		t.Fatalf("published %d captions", n)
	}
}

func TestHandle_TranslationFailureIsIsolated(t *testing.T) {
	t.Parallel()
	tr := translatorFunc(func(ctx context.Context, text, lang string) (string, error) {
		if lang == "es" {
			return "", types.ErrUpstreamUnavailable
		}
		return lang + ":" + text, nil
	})
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{tr: types.Transcript{Text: "hello", Language: "en"}}, tr, pub,
		fanout.WithTargets("es", "pt", "fr"))

	if err := e.Handle(context.Background(), segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	_ = e.Close(context.Background())

	var langs []string
	for _, c := range pub.captions() {
		langs = append(langs, c.Lang)
	}
	slices.Sort(langs)
	if !slices.Equal(langs, []string{"en", "fr", "pt"}) {
		t.Fatalf("published languages = %v, want en fr pt", langs)
	}
}

func TestHandle_ReturnsBeforeTranslationsFinish(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	tr := translatorFunc(func(ctx context.Context, text, lang string) (string, error) {
		<-release
		return text, nil
	})
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{tr: types.Transcript{Text: "hello", Language: "en"}}, tr, pub,
		fanout.WithTargets("es"))

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := e.Handle(reqCtx, segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	cancel()

	if n := len(pub.captions()); n != 1 {
		t.Fatalf("published %d captions before release, want only the source", n)
	}
	close(release)
	_ = e.Close(context.Background())
	if n := len(pub.captions()); n != 2 {
		t.Fatalf("published %d captions, want 2 despite the request context ending", n)
	}
}

func TestClose_DeadlineCancelsTranslations(t *testing.T) {
	t.Parallel()
	tr := translatorFunc(func(ctx context.Context, text, lang string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := fanout.New(fixedTranscriber{tr: types.Transcript{Text: "x", Language: "en"}}, tr, &recorder{},
		fanout.WithMetrics(testMetrics(t)), fanout.WithTargets("es"))

	_ = e.Handle(context.Background(), segment())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v", err)
	}
	if err := e.Handle(context.Background(), segment()); !errors.Is(err, fanout.ErrClosed) {
		t.Fatalf("Handle after Close err = %v", err)
	}
}

func TestSetTargets(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{tr: types.Transcript{Text: "x", Language: "en"}}, translatorFunc(upper), pub,
		fanout.WithTargets("es"))

	e.SetTargets([]string{"PT", " de ", "", "pt"})
	if got := e.Targets(); !slices.Equal(got, []string{"pt", "de"}) {
		t.Fatalf("Targets = %v", got)
	}
}

func TestPublish_FillsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{}, translatorFunc(upper), pub)

	c, err := e.Publish(context.Background(), types.Caption{Text: "Bienvenidos", Lang: "es"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if c.ID != "base-es" || c.Timestamp != 1700000000000 {
		t.Fatalf("caption = %+v", c)
	}
	if len(pub.all) != 1 || pub.all[0] != c {
		t.Fatalf("PublishAll got %v", pub.all)
	}
}

// The "hello there" scenario end to end: three listeners on en, es and pt
// each receive exactly their language, all sharing one id base and timestamp.
func TestEndToEnd_ThreeListeners(t *testing.T) {
	t.Parallel()
	m := testMetrics(t)
	reg := room.NewRegistry(room.WithMetrics(m))
	b := room.NewBroadcaster(reg, room.WithBroadcasterMetrics(m))
	t.Cleanup(func() { _ = b.Close() })

	stt := transcription.New(&sttmock.Provider{Text: "hello there"}, transcription.WithMetrics(m))
	tp := &translatemock.Provider{
		TranslateFunc: func(_ context.Context, req translate.Request) (string, error) {
			return map[string]string{"es": "hola", "pt": "olá"}[req.TargetLang], nil
		},
	}
	tr := translation.New(tp, translation.WithMetrics(m))
	e := fanout.New(stt, tr, b, fanout.WithMetrics(m), fanout.WithTargets("es", "pt"))

	subs := map[string]*room.Subscription{}
	for _, lang := range []string{"en", "es", "pt"} {
		s := reg.Connect()
		if err := reg.Select(s.ID(), lang); err != nil {
			t.Fatal(err)
		}
		subs[lang] = s
	}
	idle := reg.Connect()

	if err := e.Handle(context.Background(), segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := map[string]string{"en": "hello there", "es": "hola", "pt": "olá"}
	var base string
	var ts int64
	for lang, s := range subs {
		var c types.Caption
		select {
		case c = <-s.Captions():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s listener received nothing", lang)
		}
		if c.Lang != lang || c.Text != want[lang] {
			t.Errorf("%s listener got %+v", lang, c)
		}
		if base == "" {
			base, ts = c.BaseID(), c.Timestamp
		}
		if c.BaseID() != base || c.Timestamp != ts {
			t.Errorf("%s caption %s/%d does not share base %s/%d", lang, c.ID, c.Timestamp, base, ts)
		}
	}
	_ = b.Close()
	for lang, s := range subs {
		select {
		case c := <-s.Captions():
			t.Errorf("%s listener got extra caption %+v", lang, c)
		default:
		}
	}
	select {
	case c := <-idle.Captions():
		t.Errorf("unselected listener got %+v", c)
	default:
	}
}

func TestHandle_WithoutTranslatorPublishesSourceOnly(t *testing.T) {
	t.Parallel()
	pub := &recorder{}
	e := newEngine(t, fixedTranscriber{tr: types.Transcript{Text: "hi", Language: "en"}}, nil, pub,
		fanout.WithTargets("es"))

	if err := e.Handle(context.Background(), segment()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	_ = e.Close(context.Background())

	got := pub.captions()
	if len(got) != 1 || got[0].Lang != "en" {
		t.Fatalf("captions = %+v, want only the source caption", got)
	}
}
