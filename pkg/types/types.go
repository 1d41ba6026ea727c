// Package types defines the shared types used across the live caption packages.
//
// These types form the lingua franca between the ingest handler, the
// transcription and translation clients, the fan-out engine, and the room
// registry. Each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultContentType is the media container hint assumed when a segment is
// uploaded without one. Browser MediaRecorder segments are Opus in WebM.
const DefaultContentType = "audio/webm;codecs=opus"

// EmptySentinel is the caption text used when there is nothing to translate.
const EmptySentinel = "-"

var (
	// ErrEmptyPayload is returned when an uploaded audio segment has zero bytes.
	// No upstream call is made for such a segment.
	ErrEmptyPayload = errors.New("empty audio payload")

	// ErrEmptyTranscript is returned when the transcription provider answered
	// successfully but produced no text ("no speech detected").
	ErrEmptyTranscript = errors.New("empty transcript")

	// ErrUpstreamUnavailable is returned when a transcription or translation
	// provider could not be reached or answered with a non-2xx status.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedUpstreamResponse is returned when a provider answered 2xx with
	// a body that could not be parsed. It always wraps ErrUpstreamUnavailable.
	ErrMalformedUpstreamResponse = fmt.Errorf("malformed response: %w", ErrUpstreamUnavailable)
)

// AudioSegment is one bounded audio recording interval submitted for
// transcription. It is ephemeral: it lives for the duration of a single
// request and is discarded once transcription returns.
type AudioSegment struct {
	// Data is the complete container payload (e.g. one WebM file).
	Data []byte

	// ContentType is the declared media container hint, e.g.
	// "audio/webm;codecs=opus".
	ContentType string

	// Filename is the name the uploader gave the segment. Providers that
	// infer the container from the extension rely on it.
	Filename string
}

// Transcript is the text result of transcribing one AudioSegment.
type Transcript struct {
	// Text is the trimmed, non-empty transcribed speech.
	Text string

	// Language is the code the text is asserted to be in.
	Language string
}

// Caption is the unit of delivery to listeners. Captions are immutable once
// constructed. All captions produced from one utterance share the same base
// identifier (ID is "<base>-<lang>") and the same Timestamp.
type Caption struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Lang      string `json:"lang"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// BaseID returns the correlation identifier shared by every caption of the
// same utterance, i.e. ID without its "-<lang>" suffix.
func (c Caption) BaseID() string {
	if c.Lang == "" {
		return c.ID
	}
	base, ok := strings.CutSuffix(c.ID, "-"+c.Lang)
	if !ok {
		return c.ID
	}
	return base
}

// NormalizeLang lowercases and trims a language code. It returns "" for
// codes that are blank or obviously malformed.
func NormalizeLang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || len(code) > 16 {
		return ""
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return ""
		}
	}
	return code
}
