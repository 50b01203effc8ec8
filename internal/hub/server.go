package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"meshcall/internal/config"
)

// Server is the relay's HTTP surface. Call endpoints attach at
// /ws/{room}_{id}; the room is everything before the first underscore, so
// participant ids may themselves contain underscores but rooms may not.
type Server struct {
	hub *Hub
	cfg config.Relay
	log *slog.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewServer(cfg config.Relay, h *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub: h,
		cfg: cfg,
		log: log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.originAllowed,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws/", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/statsz", s.handleStatsz)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := splitCallPath(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if !ok {
		http.Error(w, "expected /ws/{room}_{id}", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.hub.serve(conn, roomID, userID, s.cfg.MaxMessageBytes)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatsz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.hub.Metrics().Snapshot())
}

// originAllowed implements the exact-match allowlist. Requests without an
// Origin header (non-browser clients) are always allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn("rejecting origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func splitCallPath(rest string) (roomID, userID string, ok bool) {
	if rest == "" || strings.Contains(rest, "/") {
		return "", "", false
	}
	i := strings.Index(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
