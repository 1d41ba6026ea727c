// Package listener serves the caption channel: one WebSocket per listener
// carrying JSON envelopes in both directions.
//
//	GET /ws[?lang=es]
//
// Listeners send selectLanguage and receive caption events for the language
// they selected. When direct publishing is enabled, any client may also send
// publishCaption, which is delivered to every connected listener.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/hallveticapro/live-translation/internal/room"
	"github.com/hallveticapro/live-translation/pkg/types"
)

// Defaults for a Server.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 25 * time.Second
	DefaultReadLimit    = 16 << 10
)

// Publisher delivers a caption to every listener. Implemented by
// fanout.Engine.
type Publisher interface {
	Publish(ctx context.Context, c types.Caption) (types.Caption, error)
}

// Server accepts listener connections and bridges them to a [room.Registry].
type Server struct {
	reg          *room.Registry
	publisher    Publisher
	defaultLang  string
	origins      []string
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// Option configures a Server.
type Option func(*Server)

// WithPublisher enables the publishCaption event. Without it the event is
// rejected.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

// WithDefaultLanguage subscribes new sessions to lang when the connect URL
// does not name one. Empty leaves them unselected.
func WithDefaultLanguage(lang string) Option {
	return func(s *Server) { s.defaultLang = types.NormalizeLang(lang) }
}

// WithOriginPatterns restricts cross-origin connections. "*" accepts any
// origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keep-alive period. Zero keeps the default.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// NewServer returns a Server backed by reg.
func NewServer(reg *room.Registry, opts ...Option) *Server {
	s := &Server{
		reg:          reg,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		readLimit:    DefaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the channel route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// ServeHTTP upgrades the request and runs the session until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.origins,
		InsecureSkipVerify: slices.Contains(s.origins, "*"),
	})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	sub := s.reg.Connect()
	defer s.reg.Disconnect(sub.ID())
	log := slog.With("session", sub.ID())

	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = s.defaultLang
	}
	if lang != "" {
		if err := s.reg.Select(sub.ID(), lang); err != nil {
			log.Debug("ignoring connect language", "lang", lang, "err", err)
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, sub, log)
	}()

	s.readLoop(ctx, conn, sub, log)
	cancel()
	<-writerDone

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop handles client events until the connection fails or ctx ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sub *room.Subscription, log *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug("listener read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			s.reply(ctx, conn, "binary frames are not supported")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(ctx, conn, "malformed message")
			continue
		}

		switch env.Event {
		case EventSelectLanguage:
			var lang string
			if err := json.Unmarshal(env.Data, &lang); err != nil {
				s.reply(ctx, conn, "selectLanguage expects a language code")
				continue
			}
			if err := s.reg.Select(sub.ID(), lang); err != nil {
				if errors.Is(err, room.ErrUnknownSession) {
					return
				}
				s.reply(ctx, conn, err.Error())
			}

		case EventPublishCaption:
			s.handlePublish(ctx, conn, env.Data, log)

		default:
			s.reply(ctx, conn, "unknown event "+env.Event)
		}
	}
}

func (s *Server) handlePublish(ctx context.Context, conn *websocket.Conn, raw json.RawMessage, log *slog.Logger) {
	if s.publisher == nil {
		s.reply(ctx, conn, "direct publishing is disabled")
		return
	}
	c, err := decodeCaption(raw)
	if err != nil {
		s.reply(ctx, conn, "publishCaption expects a caption object")
		return
	}
	c.Text = strings.TrimSpace(c.Text)
	if c.Text == "" {
		s.reply(ctx, conn, "caption text is empty")
		return
	}
	c.Lang = types.NormalizeLang(c.Lang)
	published, err := s.publisher.Publish(ctx, c)
	if err != nil {
		log.Warn("direct publish failed", "err", err)
		s.reply(ctx, conn, "publish failed")
		return
	}
	log.Info("caption published directly", "id", published.ID, "lang", published.Lang)
}

// writeLoop drains the session queue onto the socket and keeps the
// connection alive. Any write failure ends the session.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *room.Subscription, log *slog.Logger) {
	defer cancel()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sub.Done():
			// Evicted or shut down by the registry.
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
			return

		case c := <-sub.Captions():
			data, err := encode(EventCaption, c)
			if err != nil {
				log.Error("encode caption", "err", err)
				continue
			}
			if err := s.write(ctx, conn, data); err != nil {
				log.Debug("listener write failed", "err", err)
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				log.Debug("listener ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, msg string) {
	data, err := encode(EventError, msg)
	if err != nil {
		return
	}
	_ = s.write(ctx, conn, data)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
