// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify which audio segments the caller submitted and to
// script transcription results or failures.
//
// Example:
//
//	p := &mock.Provider{Text: "hello"}
//	text, _ := p.Transcribe(ctx, stt.Request{Audio: data})
package mock

import (
	"context"
	"sync"

	"github.com/hallveticapro/live-translation/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. Req.Audio is a copy.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned from Transcribe when Err is nil and TranscribeFunc is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Text and Err.
	TranscribeFunc func(ctx context.Context, req stt.Request) (string, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	p.mu.Lock()
	rec := req
	rec.Audio = append([]byte(nil), req.Audio...)
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: rec})
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
