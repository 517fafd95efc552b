package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/apptrace/collector/internal/interaction"
	"github.com/apptrace/collector/internal/track"
	"github.com/apptrace/collector/internal/usage"
)

// Server exposes the collector's live surface: a WebSocket feed of
// transitions plus small JSON endpoints for current subject state and for
// injecting lifecycle signals.
type Server struct {
	store          *track.Store
	broadcaster    *Broadcaster
	mapper         *interaction.Mapper
	health         *usage.SourceHealth
	allowedOrigins map[string]bool
}

func NewServer(store *track.Store, broadcaster *Broadcaster, mapper *interaction.Mapper, health *usage.SourceHealth, allowedOrigins []string) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		mapper:         mapper,
		health:         health,
		allowedOrigins: make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/subjects", s.handleSubjects)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/signal", s.handleSignal)
}

// checkOrigin allows any origin when none are configured (local dashboard
// use); otherwise the Origin header must match the allow list exactly.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	return s.allowedOrigins[r.Header.Get("Origin")]
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.GetAll())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	status, failures, lastErr := s.health.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"activeSubjects": s.store.ActiveCount(),
		"clients":        s.broadcaster.ClientCount(),
		"source": map[string]any{
			"status":    status,
			"failures":  failures,
			"lastError": lastErr,
		},
	})
}

// handleSignal accepts a lifecycle signal ({"signal":"screen_off"}) and
// feeds it to the interaction mapper. Host integrations (lock/unlock
// hooks, shutdown scripts) post here.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Signal == "" {
		http.Error(w, "invalid signal payload", http.StatusBadRequest)
		return
	}

	s.mapper.HandleSignal(body.Signal)
	w.WriteHeader(http.StatusNoContent)
}

// ListenAndServe starts the HTTP server on host:port.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, mux)
}
