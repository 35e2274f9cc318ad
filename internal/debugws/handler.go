package debugws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades debug viewer connections and hands them to a
// Broadcaster.
type Handler struct {
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            *zap.Logger
}

// NewHandler restricts origins to allowedOrigins, or to the request host
// and loopback addresses when none are given.
func NewHandler(b *Broadcaster, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		broadcaster:    b,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            logger,
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c, err := h.broadcaster.AddClient(conn)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many viewers")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
		}
		conn.Close()
		h.log.Info("debug viewer rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.log.Info("debug viewer connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			h.broadcaster.RemoveClient(c)
			h.log.Info("debug viewer disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin admits requests without an Origin header, origins on the
// allow list, and otherwise the request's own host or a loopback host.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if len(h.allowedOrigins) > 0 {
		return h.allowedHosts[u.Host]
	}
	return u.Host == r.Host || loopbackHosts[u.Hostname()]
}

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// Exporter renders the debug log as JSON.
type Exporter interface {
	Export() ([]byte, error)
}

// LogsHandler serves the exported debug log.
func LogsHandler(src Exporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := src.Export()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
}
