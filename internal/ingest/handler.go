// Package ingest accepts audio segments uploaded by the speaker page and hands
// them to the caption fan-out engine.
//
// Endpoint:
//
//	POST /api/transcribe   multipart/form-data with one part named "file"
//
// Responses are JSON: {"ok":true} on success, {"error":"..."} otherwise.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hallveticapro/live-translation/internal/fanout"
	"github.com/hallveticapro/live-translation/internal/observe"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// DefaultMaxSegmentBytes caps one uploaded segment.
const DefaultMaxSegmentBytes = 25 << 20

// multipartOverhead is allowed on top of the segment size for part headers
// and boundaries.
const multipartOverhead = 64 << 10

const (
	fieldFile       = "file"
	defaultFilename = "audio.webm"
)

var errTooLarge = errors.New("ingest: segment too large")

// SegmentHandler processes one segment. Implemented by fanout.Engine.
type SegmentHandler interface {
	Handle(ctx context.Context, seg types.AudioSegment) error
}

// Handler serves the segment upload endpoint.
type Handler struct {
	engine   SegmentHandler
	maxBytes int64
	limiter  *rate.Limiter
	metrics  *observe.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxSegmentBytes overrides [DefaultMaxSegmentBytes].
func WithMaxSegmentBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithRateLimit admits at most perMinute uploads per minute with the given
// burst. Excess uploads get 429. Zero disables limiting.
func WithRateLimit(perMinute, burst int) Option {
	return func(h *Handler) {
		if perMinute <= 0 {
			h.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
}

// WithMetrics overrides the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New returns a Handler feeding engine.
func New(engine SegmentHandler, opts ...Option) *Handler {
	h := &Handler{engine: engine, maxBytes: DefaultMaxSegmentBytes}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register adds the upload route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/transcribe", h)
}

// ServeHTTP reads the segment and runs it through the engine. It responds
// once the source caption has been published; translations finish later.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	if h.limiter != nil && !h.limiter.Allow() {
		h.metrics.RecordSegment(ctx, "rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many segments")
		return
	}

	seg, err := h.readSegment(w, r)
	switch {
	case errors.Is(err, errTooLarge):
		h.metrics.RecordSegment(ctx, "too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "segment too large")
		return
	case errors.Is(err, types.ErrEmptyPayload):
		h.metrics.RecordSegment(ctx, "empty")
		writeError(w, http.StatusBadRequest, "empty audio segment")
		return
	case err != nil:
		h.metrics.RecordSegment(ctx, "bad_request")
		log.Debug("rejected segment upload", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.engine.Handle(ctx, seg)
	switch {
	case err == nil:
		h.metrics.RecordSegment(ctx, "ok")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, types.ErrEmptyPayload):
		h.metrics.RecordSegment(ctx, "empty")
		writeError(w, http.StatusBadRequest, "empty audio segment")
	case errors.Is(err, types.ErrUpstreamUnavailable):
		h.metrics.RecordSegment(ctx, "upstream_error")
		log.Error("transcription failed", "bytes", len(seg.Data), "err", err)
		writeError(w, http.StatusBadGateway, "transcription failed")
	case errors.Is(err, fanout.ErrClosed):
		h.metrics.RecordSegment(ctx, "shutting_down")
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
	default:
		h.metrics.RecordSegment(ctx, "error")
		log.Error("segment handling failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readSegment streams the multipart body and buffers the "file" part. Other
// parts are discarded.
func (h *Handler) readSegment(w http.ResponseWriter, r *http.Request) (types.AudioSegment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return types.AudioSegment{}, errors.New("expected a multipart/form-data body")
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return types.AudioSegment{}, errors.New(`missing "file" part`)
		}
		if err != nil {
			if isMaxBytes(err) {
				return types.AudioSegment{}, errTooLarge
			}
			return types.AudioSegment{}, errors.New("malformed multipart body")
		}

		if part.FormName() != fieldFile {
			_, err := io.Copy(io.Discard, part)
			_ = part.Close()
			if isMaxBytes(err) {
				return types.AudioSegment{}, errTooLarge
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, h.maxBytes+1))
		_ = part.Close()
		if err != nil {
			if isMaxBytes(err) {
				return types.AudioSegment{}, errTooLarge
			}
			return types.AudioSegment{}, errors.New("malformed multipart body")
		}
		if int64(len(data)) > h.maxBytes {
			return types.AudioSegment{}, errTooLarge
		}
		if len(data) == 0 {
			return types.AudioSegment{}, types.ErrEmptyPayload
		}

		filename := part.FileName()
		if filename == "" {
			filename = defaultFilename
		}
		return types.AudioSegment{
			Data:        data,
			ContentType: contentType(part.Header.Get("Content-Type")),
			Filename:    filename,
		}, nil
	}
}

// contentType keeps a declared audio/video media type and falls back to the
// WebM/Opus default for missing or generic ones.
func contentType(declared string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil || mt == "application/octet-stream" {
		return types.DefaultContentType
	}
	return declared
}

func isMaxBytes(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
