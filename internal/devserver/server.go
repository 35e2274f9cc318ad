// Package devserver is a local sink for the ingest and lead endpoints. It
// accepts what the pipeline sends, logs it and relays it to debug viewers.
// Nothing is stored or aggregated.
package devserver

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/debuglog"
	"github.com/sitepulse/pulse/internal/debugws"
	"github.com/sitepulse/pulse/internal/event"
)

const maxBodyBytes = 1 << 20

type Config struct {
	EventsPath string
	LeadsPath  string
	// RateLimit is the number of ingest requests allowed per IP per
	// RateWindow. Zero disables limiting.
	RateLimit      int
	RateWindow     time.Duration
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		EventsPath:     "/api/analytics/events",
		LeadsPath:      "/api/leads",
		RateLimit:      120,
		RateWindow:     time.Minute,
		AllowedOrigins: []string{"*"},
	}
}

type Server struct {
	cfg    Config
	log    *zap.Logger
	feed   *debuglog.Surface
	viewer *debugws.Broadcaster
	router chi.Router
}

// New builds the router. Received events are recorded on a debug surface
// that live viewers on /debug/ws subscribe to.
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		feed: debuglog.New(debuglog.DefaultCapacity, logger.Named("feed")),
	}
	s.viewer = debugws.NewBroadcaster(s.feed, debugws.PrivacyFilter{}, 100*time.Millisecond, 16, nil, logger.Named("ws"))
	s.feed.Subscribe(s.viewer.Queue)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Content-Encoding", "X-Pulse-Transmission"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/debug/ws", debugws.NewHandler(s.viewer, nil, s.log.Named("ws")))
	r.Method(http.MethodGet, "/debug/logs", debugws.LogsHandler(s.feed))

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 && s.cfg.RateWindow > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimit,
				s.cfg.RateWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate limit exceeded"})
				}),
			))
		}
		r.Post(s.cfg.EventsPath, s.handleEvents)
		r.Post(s.cfg.LeadsPath, s.handleLead)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Feed exposes what the server has received.
func (s *Server) Feed() *debuglog.Surface { return s.feed }

// Close disconnects debug viewers.
func (s *Server) Close() { s.viewer.Close() }

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	var batch event.Batch
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&batch); err != nil {
		http.Error(w, "invalid batch", http.StatusBadRequest)
		return
	}

	mode := r.Header.Get("X-Pulse-Transmission")
	for i := range batch.Events {
		ev := batch.Events[i]
		s.log.Info("event received",
			zap.String("event", ev.Name),
			zap.String("path", ev.Path),
			zap.String("consent", ev.Consent),
			zap.String("mode", mode))
		s.feed.Record(debuglog.Entry{
			At:      time.Now(),
			Kind:    debuglog.KindIngest,
			Event:   &ev,
			Message: mode,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid body"})
		return
	}
	email, _ := fields["email"].(string)
	if strings.TrimSpace(email) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "email is required"})
		return
	}
	s.log.Info("lead received", zap.Any("session_id", fields["session_id"]))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func requestBody(r *http.Request) (io.ReadCloser, error) {
	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return r.Body, nil
	}
	return gzip.NewReader(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
