// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (an OpenAI-compatible
// /audio/transcriptions endpoint such as Groq Whisper, Deepgram's prerecorded
// API, or a local whisper.cpp server) and exposes a uniform request/response
// interface. Each call transcribes one complete audio container; providers
// never see partial segments.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

// Request describes one transcription call.
type Request struct {
	// Audio is the complete container payload (e.g. one WebM/Opus file).
	Audio []byte

	// ContentType is the media container hint forwarded to the provider.
	ContentType string

	// Filename is sent as the multipart file name. Several providers infer the
	// container format from its extension.
	Filename string

	// Language is the asserted source language code (e.g. "en"). An empty
	// string lets the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Transcribe returns the raw text extracted from the provider's response,
// without trimming. An empty string with a nil error means the provider
// answered successfully but heard no speech. Network failures and non-2xx
// responses must be reported as errors wrapping types.ErrUpstreamUnavailable;
// unparsable 2xx bodies as types.ErrMalformedUpstreamResponse.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// snippetLen bounds how much of a raw provider response is logged.
const snippetLen = 120

// LogResponse logs a bounded prefix of a raw provider response at debug level
// so that malformed payloads can be diagnosed without replaying the segment.
func LogResponse(provider string, status int, raw []byte) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	slog.Debug("stt response",
		"provider", provider,
		"status", status,
		"body", Snippet(raw),
	)
}

// Snippet returns at most the first 120 bytes of raw as a string, cut on a
// rune boundary.
func Snippet(raw []byte) string {
	if len(raw) <= snippetLen {
		return string(raw)
	}
	cut := raw[:snippetLen]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "…"
}
