package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/ratelimit"
)

// maxBodyBytes bounds request bodies accepted by the API.
const maxBodyBytes = 1 << 20

// ServerConfig configures the relay's HTTP surface.
type ServerConfig struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// mutating routes and the socket.
	Token string
	// EventsPerMinute limits POST /api/events per client IP.
	EventsPerMinute int
	// FramesPerMinute limits inbound socket frames per connection.
	FramesPerMinute int
}

// Server is the HTTP and WebSocket front end of a Relay.
type Server struct {
	relay   *Relay
	cfg     ServerConfig
	limiter *ratelimit.Keyed
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new Server with all routes registered.
func NewServer(r *Relay, cfg ServerConfig) *Server {
	s := &Server{
		relay:   r,
		cfg:     cfg,
		limiter: ratelimit.NewKeyed(cfg.EventsPerMinute, time.Minute),
		logger:  r.logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Limiter returns the per-IP limiter so the caller can run its cleanup loop.
func (s *Server) Limiter() *ratelimit.Keyed { return s.limiter }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Events
	s.mux.HandleFunc("POST /api/events", s.handlePostEvent)
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)

	// Agents
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	s.mux.HandleFunc("POST /api/agents/{id}/reset", s.handleResetAgent)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "agentrelay",
		"observers": s.relay.hub.Len(),
	})
}

// authorized checks the bearer token. It returns false (writing a 401) if
// a token is configured and the request does not carry it.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if !s.limiter.Allow(ratelimit.ClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.relay.Submit(r.Context(), &env); err != nil {
		s.logger.Warn("rejected envelope", "error", err, "remote", ratelimit.ClientIP(r))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.relay.RecentEvents(limit)
	if errors.Is(err, ErrEventsUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "read event log")
		return
	}
	if events == nil {
		events = []envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Agents())
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rec, err := s.relay.Register(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if err := s.relay.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleResetAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if err := s.relay.ResetAgent(r.Context(), r.PathValue("id")); err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.relay.Tasks()
	if agentID := r.URL.Query().Get("agentId"); agentID != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.AgentID == agentID {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var req CreateTaskRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.AgentID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "agentId and title are required")
		return
	}
	task, err := s.relay.CreateTask(r.Context(), req.AgentID, req.Title, req.Details)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// writeRelayError maps relay errors onto HTTP status codes.
func writeRelayError(w http.ResponseWriter, err error) {
	var verr *envelope.ValidationError
	switch {
	case errors.Is(err, ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
