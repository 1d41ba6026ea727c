// Package translate defines the Provider interface for text translation
// backends.
//
// A translation provider turns one short utterance in a source language into
// the same utterance in a target language. Providers are usually chat-style
// language models prompted to answer with nothing but the translated sentence,
// so callers must still treat the returned text as untrusted and post-filter
// it (see internal/translation).
//
// Implementations must be safe for concurrent use.
package translate

import (
	"context"
	"fmt"
)

// Request describes one translation call.
type Request struct {
	// Text is the non-blank utterance to translate.
	Text string

	// SourceLang is the language code Text is written in (e.g. "en").
	SourceLang string

	// TargetLang is the language code to translate into (e.g. "es").
	TargetLang string
}

// Provider is the abstraction over any translation backend.
//
// Translate returns the provider's raw answer. Network failures, non-2xx
// responses and empty choice lists must be reported as errors wrapping
// types.ErrUpstreamUnavailable.
type Provider interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// SystemPrompt returns the instruction sent to chat-style providers. It asks
// for the bare translation so that the post-filter rarely has to act.
func SystemPrompt(req Request) string {
	src := req.SourceLang
	if src == "" {
		src = "the source language"
	}
	return fmt.Sprintf(
		"You are a live caption translator. Translate the user's message from %s to %s. "+
			"Reply with only the translated sentence on a single line. "+
			"Do not add notes, explanations, alternatives, quotes or brackets. "+
			"If the message is already in %s, repeat it unchanged.",
		src, req.TargetLang, req.TargetLang,
	)
}
