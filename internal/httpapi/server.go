// Package httpapi is the host's external HTTP surface: streaming chat,
// group CRUD, health, and session termination, matching the teacher's
// net/http + method-pattern mux idiom (internal/http in the teacher).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/queue"
	"github.com/nextlevelbuilder/groupd/internal/registry"
	"github.com/nextlevelbuilder/groupd/internal/turn"
)

// Server is the host's HTTP surface.
type Server struct {
	registry      *registry.Registry
	queue         *queue.Queue
	router        *outputrouter.Router
	orchestrator  *turn.Orchestrator
	bearerToken   string
	maxBodyBytes  int64
	assistantName string
	log           *slog.Logger

	mux *http.ServeMux

	mu        sync.Mutex
	activeSSE map[string]string // groupID -> the request token currently streaming it
}

// Config bundles Server's construction-time knobs.
type Config struct {
	BearerToken   string
	MaxBodyBytes  int64
	AssistantName string
}

// New constructs a Server and registers its routes.
func New(reg *registry.Registry, q *queue.Queue, router *outputrouter.Router, orch *turn.Orchestrator, cfg Config, log *slog.Logger) *Server {
	s := &Server{
		registry:      reg,
		queue:         q,
		router:        router,
		orchestrator:  orch,
		bearerToken:   cfg.BearerToken,
		maxBodyBytes:  cfg.MaxBodyBytes,
		assistantName: cfg.AssistantName,
		log:           log,
		mux:           http.NewServeMux(),
		activeSSE:     make(map[string]string),
	}
	s.routes()
	return s
}

// Handler returns the fully wrapped http.Handler (CORS outermost).
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/chat", s.authMiddleware(s.handleChat))
	s.mux.HandleFunc("GET /api/groups", s.authMiddleware(s.handleListGroups))
	s.mux.HandleFunc("POST /api/groups", s.authMiddleware(s.handleCreateGroup))
	s.mux.HandleFunc("DELETE /api/groups/{folder}/session", s.authMiddleware(s.handleDeleteSession))
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
}

// withCORS echoes the request Origin, allows GET/POST/DELETE/OPTIONS and
// the Content-Type/Authorization headers, and short-circuits OPTIONS
// preflight requests with a bare 204, per spec.md §6.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the single bearer token, when one is configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken != "" && extractBearerToken(r) != s.bearerToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
