// Package mock provides a test double for the translate.Provider interface.
//
// By default Provider answers with "<TargetLang>:<Text>" so tests can assert
// which language a caption was produced for without scripting every call.
// Set Responses or Errs to script per-language behaviour.
//
// Example:
//
//	p := &mock.Provider{Responses: map[string]string{"es": "Hola"}}
//	text, _ := p.Translate(ctx, translate.Request{Text: "hello", TargetLang: "es"})
package mock

import (
	"context"
	"sync"

	"github.com/hallveticapro/live-translation/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translate.
type TranslateCall struct {
	// Ctx is the context passed to Translate.
	Ctx context.Context
	// Req is the request passed to Translate.
	Req translate.Request
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses maps a target language to the raw answer returned for it.
	Responses map[string]string

	// Errs maps a target language to the error returned for it.
	Errs map[string]error

	// TranslateFunc, if set, overrides Responses and Errs.
	TranslateFunc func(ctx context.Context, req translate.Request) (string, error)

	// Calls records every call to Translate.
	Calls []TranslateCall
}

// Translate records the call and returns the scripted answer.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranslateCall{Ctx: ctx, Req: req})
	fn := p.TranslateFunc
	err := p.Errs[req.TargetLang]
	resp, ok := p.Responses[req.TargetLang]
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	if ok {
		return resp, nil
	}
	return req.TargetLang + ":" + req.Text, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// CallsFor returns the recorded calls whose target language is lang. Thread-safe.
func (p *Provider) CallsFor(lang string) []TranslateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TranslateCall
	for _, c := range p.Calls {
		if c.Req.TargetLang == lang {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ translate.Provider = (*Provider)(nil)
